// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package queue implements the replicated queue control plane: queue
// lifecycle over per-queue consensus groups, client sessions, leader
// transition handling, dead-letter routing and status introspection.
package queue

import (
	"fmt"
	"strings"
)

// groupSeparator joins the vhost and queue parts of a group name. The dot
// never appears in escaped parts, so encoding stays reversible.
const groupSeparator = "."

func escapePart(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			for _, c := range []byte(string(r)) {
				fmt.Fprintf(&b, "_%02x", c)
			}
		}
	}
	return b.String()
}

func unescapePart(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '_' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated escape in %q", s)
		}
		var c byte
		if _, err := fmt.Sscanf(s[i+1:i+3], "%02x", &c); err != nil {
			return "", fmt.Errorf("invalid escape in %q: %w", s, err)
		}
		b.WriteByte(c)
		i += 2
	}
	return b.String(), nil
}

// GroupName derives the consensus group name for a queue. The encoding is
// reversible so group names seen in logs and data directories can be traced
// back to the queue they belong to.
func GroupName(vhost, name string) string {
	return escapePart(vhost) + groupSeparator + escapePart(name)
}

// ParseGroupName recovers the vhost and queue name from a group name.
func ParseGroupName(group string) (vhost, name string, err error) {
	idx := strings.Index(group, groupSeparator)
	if idx < 0 {
		return "", "", fmt.Errorf("malformed group name %q", group)
	}
	vhost, err = unescapePart(group[:idx])
	if err != nil {
		return "", "", err
	}
	name, err = unescapePart(group[idx+1:])
	if err != nil {
		return "", "", err
	}
	return vhost, name, nil
}
