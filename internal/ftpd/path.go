package ftpd

import "strings"

// ResolvePath applies payload to cwd. A leading "/" restarts from the root,
// ".." moves to the parent, "." and empty components are ignored. The
// result never contains "." or ".." components.
func ResolvePath(cwd, payload string) string {
	if strings.HasPrefix(payload, "/") {
		cwd = "/"
	}
	for _, token := range strings.Split(payload, "/") {
		switch token {
		case "..":
			cwd, _ = splitPath(cwd)
		case ".", "":
		default:
			if cwd == "/" {
				cwd += token
			} else {
				cwd = cwd + "/" + token
			}
		}
	}
	return cwd
}

// splitPath splits a path into its parent directory and last component
func splitPath(path string) (string, string) {
	i := strings.LastIndex(path, "/")
	tail := path[i+1:]
	head := ""
	if i > 0 {
		head = path[:i]
	}
	if head == "" {
		head = "/"
	}
	return head, tail
}

// Match reports whether name matches pattern. "?" matches exactly one
// character and "*" matches any run of characters, including none.
func Match(name, pattern string) bool {
	pi, si := 0, 0
	for pi < len(pattern) && si < len(name) {
		if name[si] == pattern[pi] || pattern[pi] == '?' {
			si++
			pi++
			continue
		}
		if pattern[pi] != '*' {
			return false
		}
		if pi == len(strings.TrimRight(pattern, "*?")) {
			return true
		}
		for ; si < len(name); si++ {
			if Match(name[si:], pattern[pi+1:]) {
				return true
			}
		}
		return false
	}
	return pi == len(strings.TrimRight(pattern, "*")) && si == len(name)
}
