// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package match

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/bureau-foundation/busd/lib/wire"
)

// maxArgIndex is the highest argument index a rule may constrain.
const maxArgIndex = 63

// ErrInvalidRule matches every rule parse error under errors.Is.
var ErrInvalidRule = errors.New("match: invalid rule")

// ArgMatch constrains one body argument.
type ArgMatch struct {
	Index int
	Value string

	// Path selects argNpath semantics: equal, or one side is a
	// '/'-terminated prefix of the other.
	Path bool
}

// Rule is a parsed match rule. The zero value matches every message.
type Rule struct {
	Type          wire.Type
	Sender        string
	Interface     string
	Member        string
	Path          wire.ObjectPath
	PathNamespace wire.ObjectPath
	Destination   string
	Arg0Namespace string
	Args          []ArgMatch
	Eavesdrop     bool
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRule, fmt.Sprintf(format, args...))
}

// Parse parses the textual form of a match rule.
func Parse(text string) (Rule, error) {
	var rule Rule
	pairs, err := split(text)
	if err != nil {
		return Rule{}, err
	}
	seen := make(map[string]bool, len(pairs))
	for _, pair := range pairs {
		key, value := pair[0], pair[1]
		if seen[key] {
			return Rule{}, invalid("key %q given twice", key)
		}
		seen[key] = true

		switch key {
		case "type":
			messageType, ok := wire.ParseType(value)
			if !ok {
				return Rule{}, invalid("unknown message type %q", value)
			}
			rule.Type = messageType
		case "sender":
			if !wire.ValidBusName(value) {
				return Rule{}, invalid("invalid sender %q", value)
			}
			rule.Sender = value
		case "interface":
			if !wire.ValidInterfaceName(value) {
				return Rule{}, invalid("invalid interface %q", value)
			}
			rule.Interface = value
		case "member":
			if !wire.ValidMemberName(value) {
				return Rule{}, invalid("invalid member %q", value)
			}
			rule.Member = value
		case "path":
			if !wire.ValidObjectPath(value) {
				return Rule{}, invalid("invalid path %q", value)
			}
			rule.Path = wire.ObjectPath(value)
		case "path_namespace":
			if !wire.ValidObjectPath(value) {
				return Rule{}, invalid("invalid path_namespace %q", value)
			}
			rule.PathNamespace = wire.ObjectPath(value)
		case "destination":
			if !wire.ValidBusName(value) {
				return Rule{}, invalid("invalid destination %q", value)
			}
			rule.Destination = value
		case "arg0namespace":
			if !validNamespace(value) {
				return Rule{}, invalid("invalid arg0namespace %q", value)
			}
			rule.Arg0Namespace = value
		case "eavesdrop":
			switch value {
			case "true":
				rule.Eavesdrop = true
			case "false":
				rule.Eavesdrop = false
			default:
				return Rule{}, invalid("eavesdrop must be 'true' or 'false', got %q", value)
			}
		default:
			arg, ok := parseArgKey(key)
			if !ok {
				return Rule{}, invalid("unknown key %q", key)
			}
			if arg.Path && !strings.HasPrefix(value, "/") {
				return Rule{}, invalid("%s value must start with '/'", key)
			}
			arg.Value = value
			rule.Args = append(rule.Args, arg)
		}
	}
	if rule.Path != "" && rule.PathNamespace != "" {
		return Rule{}, invalid("path and path_namespace are mutually exclusive")
	}
	if rule.Arg0Namespace != "" {
		for _, arg := range rule.Args {
			if arg.Index == 0 {
				return Rule{}, invalid("arg0 and arg0namespace are mutually exclusive")
			}
		}
	}
	sort.Slice(rule.Args, func(i, j int) bool { return rule.Args[i].Index < rule.Args[j].Index })
	for i := 1; i < len(rule.Args); i++ {
		if rule.Args[i].Index == rule.Args[i-1].Index {
			return Rule{}, invalid("arg%d constrained twice", rule.Args[i].Index)
		}
	}
	return rule, nil
}

// parseArgKey recognizes argN and argNpath.
func parseArgKey(key string) (ArgMatch, bool) {
	rest, ok := strings.CutPrefix(key, "arg")
	if !ok {
		return ArgMatch{}, false
	}
	var arg ArgMatch
	if digits, isPath := strings.CutSuffix(rest, "path"); isPath {
		arg.Path = true
		rest = digits
	}
	if rest == "" || len(rest) > 2 || (len(rest) == 2 && rest[0] == '0') {
		return ArgMatch{}, false
	}
	index, err := strconv.Atoi(rest)
	if err != nil || index < 0 || index > maxArgIndex {
		return ArgMatch{}, false
	}
	arg.Index = index
	return arg, true
}

// validNamespace accepts bus or interface names, including single
// elements.
func validNamespace(value string) bool {
	return wire.ValidBusName(value) || wire.ValidMemberName(value) || wire.ValidInterfaceName(value)
}

// split breaks the rule text into key/value pairs, handling the quoting
// rules: single quotes delimit literal text and \' outside quotes is a
// literal quote.
func split(text string) ([][2]string, error) {
	var pairs [][2]string
	i := 0
	for i < len(text) {
		for i < len(text) && text[i] == ' ' {
			i++
		}
		if i == len(text) {
			break
		}
		equals := strings.IndexByte(text[i:], '=')
		if equals < 0 {
			return nil, invalid("expected key=value at offset %d", i)
		}
		key := text[i : i+equals]
		if key == "" || strings.ContainsAny(key, ",' ") {
			return nil, invalid("bad key %q", key)
		}
		i += equals + 1

		var value strings.Builder
		quoted := false
		for ; i < len(text); i++ {
			c := text[i]
			if quoted {
				if c == '\'' {
					quoted = false
				} else {
					value.WriteByte(c)
				}
				continue
			}
			if c == ',' {
				break
			}
			switch {
			case c == '\'':
				quoted = true
			case c == '\\' && i+1 < len(text) && text[i+1] == '\'':
				value.WriteByte('\'')
				i++
			default:
				value.WriteByte(c)
			}
		}
		if quoted {
			return nil, invalid("unterminated quote in value of %q", key)
		}
		pairs = append(pairs, [2]string{key, value.String()})
		if i < len(text) {
			// Skip the comma. A trailing comma ends the rule.
			i++
		}
	}
	return pairs, nil
}

// String returns the canonical textual form of the rule.
func (r Rule) String() string {
	var parts []string
	add := func(key, value string) {
		parts = append(parts, key+"="+quote(value))
	}
	if r.Type != wire.TypeInvalid {
		add("type", r.Type.String())
	}
	if r.Sender != "" {
		add("sender", r.Sender)
	}
	if r.Interface != "" {
		add("interface", r.Interface)
	}
	if r.Member != "" {
		add("member", r.Member)
	}
	if r.Path != "" {
		add("path", string(r.Path))
	}
	if r.PathNamespace != "" {
		add("path_namespace", string(r.PathNamespace))
	}
	if r.Destination != "" {
		add("destination", r.Destination)
	}
	if r.Arg0Namespace != "" {
		add("arg0namespace", r.Arg0Namespace)
	}
	for _, arg := range r.Args {
		key := "arg" + strconv.Itoa(arg.Index)
		if arg.Path {
			key += "path"
		}
		add(key, arg.Value)
	}
	if r.Eavesdrop {
		add("eavesdrop", "true")
	}
	return strings.Join(parts, ",")
}

func quote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

// Resolver maps a bus name to the unique name of its owner.
type Resolver interface {
	Resolve(name string) (string, bool)
}

// Matches reports whether the message satisfies every constraint in
// the rule. A well-known sender in the rule, and a well-known
// destination in the message, are resolved through resolver.
// Eavesdrop filtering is applied by the Registry, not here.
func (r Rule) Matches(msg *wire.Message, resolver Resolver) bool {
	return r.matches(msg, resolver, newArguments(msg))
}

func (r Rule) matches(msg *wire.Message, resolver Resolver, args *arguments) bool {
	if r.Type != wire.TypeInvalid && r.Type != msg.Type {
		return false
	}
	if r.Interface != "" && r.Interface != msg.Interface {
		return false
	}
	if r.Member != "" && r.Member != msg.Member {
		return false
	}
	if r.Path != "" && r.Path != msg.Path {
		return false
	}
	if r.PathNamespace != "" && !inPathNamespace(string(msg.Path), string(r.PathNamespace)) {
		return false
	}
	if r.Destination != "" && r.Destination != msg.Destination {
		// A call addressed to a well-known name matches a rule naming
		// the unique name that owns it.
		if msg.Destination == "" || wire.IsUniqueName(msg.Destination) || resolver == nil {
			return false
		}
		owner, ok := resolver.Resolve(msg.Destination)
		if !ok || owner != r.Destination {
			return false
		}
	}
	if r.Sender != "" && r.Sender != msg.Sender {
		if wire.IsUniqueName(r.Sender) || resolver == nil {
			return false
		}
		owner, ok := resolver.Resolve(r.Sender)
		if !ok || owner != msg.Sender {
			return false
		}
	}
	if r.Arg0Namespace != "" {
		value, ok := args.str(0, false)
		if !ok || !inNamespace(value, r.Arg0Namespace) {
			return false
		}
	}
	for _, arg := range r.Args {
		value, ok := args.str(arg.Index, arg.Path)
		if !ok {
			return false
		}
		if arg.Path {
			if !pathArgMatches(value, arg.Value) {
				return false
			}
		} else if value != arg.Value {
			return false
		}
	}
	return true
}

func inPathNamespace(path, namespace string) bool {
	if namespace == "/" {
		return true
	}
	return path == namespace || strings.HasPrefix(path, namespace+"/")
}

func inNamespace(name, namespace string) bool {
	return name == namespace || strings.HasPrefix(name, namespace+".")
}

func pathArgMatches(value, pattern string) bool {
	if value == pattern {
		return true
	}
	if strings.HasSuffix(pattern, "/") && strings.HasPrefix(value, pattern) {
		return true
	}
	return strings.HasSuffix(value, "/") && strings.HasPrefix(pattern, value)
}

// arguments decodes the message body at most once, on first use.
type arguments struct {
	msg     *wire.Message
	decoded bool
	values  []any
}

func newArguments(msg *wire.Message) *arguments {
	return &arguments{msg: msg}
}

// str returns argument i if it is a string (or, when objectPath is set,
// a string or object path).
func (a *arguments) str(i int, objectPath bool) (string, bool) {
	if !a.decoded {
		a.decoded = true
		if a.msg.Signature != "" {
			values, err := wire.DecodeBody(a.msg.Order, a.msg.Signature, a.msg.Body)
			if err == nil {
				a.values = values
			}
		}
	}
	if i >= len(a.values) {
		return "", false
	}
	switch value := a.values[i].(type) {
	case string:
		return value, true
	case wire.ObjectPath:
		if objectPath {
			return string(value), true
		}
	}
	return "", false
}
