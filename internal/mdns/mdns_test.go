package mdns

import (
	"context"
	"net"
	"testing"

	"github.com/stone-age-io/bootd/internal/config"
	"github.com/stone-age-io/bootd/internal/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/net/dns/dnsmessage"
)

func buildQuery(t *testing.T, name string, qtype dnsmessage.Type, class dnsmessage.Class, response bool) []byte {
	t.Helper()
	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{Response: response})
	require.NoError(t, b.StartQuestions())
	require.NoError(t, b.Question(dnsmessage.Question{
		Name:  dnsmessage.MustNewName(name),
		Type:  qtype,
		Class: class,
	}))
	msg, err := b.Finish()
	require.NoError(t, err)
	return msg
}

func TestFQDN(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"bootd-01", "bootd-01.local."},
		{"Sensor", "sensor.local."},
		{"node.", "node.local."},
	}
	for _, tt := range tests {
		if got := FQDN(tt.host); got != tt.want {
			t.Errorf("FQDN(%q) = %q, want %q", tt.host, got, tt.want)
		}
	}
}

func TestAnswerMatchingName(t *testing.T) {
	query := buildQuery(t, "BOOTD-01.local.", dnsmessage.TypeA, dnsmessage.ClassINET, false)

	reply, err := Answer(query, "bootd-01.local.", net.IPv4(169, 254, 135, 99))
	require.NoError(t, err)
	require.NotNil(t, reply)

	var msg dnsmessage.Message
	require.NoError(t, msg.Unpack(reply))
	assert.True(t, msg.Header.Response)
	assert.True(t, msg.Header.Authoritative)
	require.Len(t, msg.Answers, 1)

	ans := msg.Answers[0]
	assert.Equal(t, dnsmessage.TypeA, ans.Header.Type)
	assert.Equal(t, uint32(ttlSeconds), ans.Header.TTL)
	assert.Equal(t, dnsmessage.ClassINET|classTopBit, ans.Header.Class)
	a, ok := ans.Body.(*dnsmessage.AResource)
	require.True(t, ok)
	assert.Equal(t, [4]byte{169, 254, 135, 99}, a.A)
}

func TestAnswerIgnoresOtherQueries(t *testing.T) {
	ip := net.IPv4(10, 0, 0, 7)

	tests := []struct {
		name   string
		packet []byte
	}{
		{"other host", buildQuery(t, "printer.local.", dnsmessage.TypeA, dnsmessage.ClassINET, false)},
		{"AAAA", buildQuery(t, "bootd-01.local.", dnsmessage.TypeAAAA, dnsmessage.ClassINET, false)},
		{"response", buildQuery(t, "bootd-01.local.", dnsmessage.TypeA, dnsmessage.ClassINET, true)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := Answer(tt.packet, "bootd-01.local.", ip)
			require.NoError(t, err)
			assert.Nil(t, reply)
		})
	}
}

func TestAnswerUnicastQuestion(t *testing.T) {
	query := buildQuery(t, "bootd-01.local.", dnsmessage.TypeA, dnsmessage.ClassINET|classTopBit, false)
	assert.True(t, wantsUnicast(query))

	reply, err := Answer(query, "bootd-01.local.", net.IPv4(10, 0, 0, 7))
	require.NoError(t, err)
	assert.NotNil(t, reply)

	plain := buildQuery(t, "bootd-01.local.", dnsmessage.TypeA, dnsmessage.ClassINET, false)
	assert.False(t, wantsUnicast(plain))
}

func TestAnswerErrors(t *testing.T) {
	_, err := Answer([]byte{1, 2}, "bootd-01.local.", net.IPv4(10, 0, 0, 7))
	assert.Error(t, err)

	query := buildQuery(t, "bootd-01.local.", dnsmessage.TypeA, dnsmessage.ClassINET, false)
	_, err = Answer(query, "bootd-01.local.", net.ParseIP("fe80::1"))
	assert.Error(t, err)
}

func TestServiceDisabled(t *testing.T) {
	svc := Service(zap.NewNop(), &config.Config{}, network.NewInventory())
	require.Equal(t, "mdns", svc.Name)
	require.Len(t, svc.Routines, 1)
	assert.NoError(t, svc.Routines[0].Run(context.Background()))
}
