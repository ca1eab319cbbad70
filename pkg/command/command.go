/*
   Copyright The cradle Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package command parses and rebuilds runc invocations. The shim is handed
// the exact argv containerd would pass to runc, so the grammar here must
// accept anything the real runtime accepts and must be able to reproduce a
// semantically identical argv for passthrough.
package command

// Kind identifies the lifecycle subcommands the router cares about. Every
// other runc subcommand is Other and passes through untouched.
type Kind int

const (
	Other Kind = iota
	Create
	Start
	Checkpoint
	Resume
	Delete
)

// DefaultNamespace is assumed when no --root global option is present.
const DefaultNamespace = "default"

// Option is a single "--name" token and its optional value. A nil value
// means the option was a bare flag; an empty string value is a real,
// explicitly empty argument and must be forwarded as such.
type Option struct {
	Name  string
	Value *string
}

// Options preserves the order options appeared on the command line. Order
// matters: runc tolerates repeated options and the last occurrence wins, so
// reordering could change behavior.
type Options []Option

// Get returns the value of the last occurrence of name. The second return
// reports whether the option is present at all.
func (o Options) Get(name string) (string, bool) {
	for i := len(o) - 1; i >= 0; i-- {
		if o[i].Name == name {
			if o[i].Value == nil {
				return "", true
			}
			return *o[i].Value, true
		}
	}
	return "", false
}

// Has reports whether name occurs in the option list.
func (o Options) Has(name string) bool {
	_, ok := o.Get(name)
	return ok
}

// without returns a copy with every occurrence of the given names removed.
func (o Options) without(names ...string) Options {
	out := make(Options, 0, len(o))
loop:
	for _, opt := range o {
		for _, n := range names {
			if opt.Name == n {
				continue loop
			}
		}
		out = append(out, opt)
	}
	return out
}

// set returns a copy where the first occurrence of name is replaced and any
// further occurrences are dropped; when absent the option is appended.
func (o Options) set(name string, value *string) Options {
	out := make(Options, 0, len(o)+1)
	replaced := false
	for _, opt := range o {
		if opt.Name == name {
			if !replaced {
				out = append(out, Option{Name: name, Value: value})
				replaced = true
			}
			continue
		}
		out = append(out, opt)
	}
	if !replaced {
		out = append(out, Option{Name: name, Value: value})
	}
	return out
}

// Command is one parsed runc invocation.
type Command struct {
	// Binary is argv[0] as received, forwarded verbatim on rebuild.
	Binary string

	// GlobalOptions appeared before the subcommand token.
	GlobalOptions Options

	// Subcommand is the verbatim subcommand token.
	Subcommand string

	// SubcommandOptions appeared between the subcommand and the container
	// id.
	SubcommandOptions Options

	// ContainerID is the last positional token, empty for invocations such
	// as "runc list" that name no container.
	ContainerID string

	// Namespace is derived from the --root global option.
	Namespace string

	// raw is the argv exactly as received. Passthrough must forward it
	// byte-identically, so it is never reconstructed from the parsed form.
	raw []string
}

// Kind maps the subcommand token onto the router's lifecycle vocabulary.
func (c *Command) Kind() Kind {
	switch c.Subcommand {
	case "create":
		return Create
	case "start":
		return Start
	case "checkpoint":
		return Checkpoint
	case "resume":
		return Resume
	case "delete":
		return Delete
	default:
		return Other
	}
}
