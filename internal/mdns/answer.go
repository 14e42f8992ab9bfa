package mdns

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/dns/dnsmessage"
)

const (
	ttlSeconds = 120

	// top bit of the class field: unicast-response in questions, cache-flush in answers
	classTopBit = 0x8000
)

// FQDN returns the .local name announced for hostname
func FQDN(hostname string) string {
	return strings.TrimSuffix(strings.ToLower(hostname), ".") + ".local."
}

// Answer builds the response to an mDNS query packet. It returns nil when
// the packet is not a query for name's A record.
func Answer(packet []byte, name string, addr net.IP) ([]byte, error) {
	v4 := addr.To4()
	if v4 == nil {
		return nil, fmt.Errorf("address %v is not IPv4", addr)
	}

	var p dnsmessage.Parser
	h, err := p.Start(packet)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}
	if h.Response {
		return nil, nil
	}
	questions, err := p.AllQuestions()
	if err != nil {
		return nil, fmt.Errorf("failed to parse questions: %w", err)
	}

	var match *dnsmessage.Question
	for i := range questions {
		q := questions[i]
		if q.Class&^classTopBit != dnsmessage.ClassINET && q.Class&^classTopBit != dnsmessage.ClassANY {
			continue
		}
		if q.Type != dnsmessage.TypeA && q.Type != dnsmessage.TypeALL {
			continue
		}
		if !strings.EqualFold(q.Name.String(), name) {
			continue
		}
		match = &q
		break
	}
	if match == nil {
		return nil, nil
	}

	b := dnsmessage.NewBuilder(make([]byte, 0, 512), dnsmessage.Header{
		Response:      true,
		Authoritative: true,
	})
	b.EnableCompression()
	if err := b.StartAnswers(); err != nil {
		return nil, err
	}

	var a dnsmessage.AResource
	copy(a.A[:], v4)
	err = b.AResource(dnsmessage.ResourceHeader{
		Name:  match.Name,
		Class: dnsmessage.ClassINET | classTopBit,
		TTL:   ttlSeconds,
	}, a)
	if err != nil {
		return nil, fmt.Errorf("failed to build answer: %w", err)
	}
	return b.Finish()
}

// wantsUnicast reports whether any question in packet asked for a unicast reply
func wantsUnicast(packet []byte) bool {
	var p dnsmessage.Parser
	if _, err := p.Start(packet); err != nil {
		return false
	}
	for {
		q, err := p.Question()
		if errors.Is(err, dnsmessage.ErrSectionDone) || err != nil {
			return false
		}
		if q.Class&classTopBit != 0 {
			return true
		}
	}
}
