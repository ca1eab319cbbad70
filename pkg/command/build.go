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

package command

// rewriteState accumulates option mutations while building a rewritten
// argv. Options already present are replaced in place so the original
// ordering survives; genuinely new options collect at the head, before
// everything carried over from the original invocation.
type rewriteState struct {
	head Options
	opts Options
}

// RewriteOpt mutates the subcommand option list while building a rewritten
// argv. Global options and the container id are never touched by rewrites.
type RewriteOpt func(*rewriteState)

// WithOption sets "name value" on the rewritten invocation.
func WithOption(name, value string) RewriteOpt {
	return func(r *rewriteState) {
		if r.opts.Has(name) {
			r.opts = r.opts.set(name, &value)
			return
		}
		r.head = append(r.head, Option{Name: name, Value: &value})
	}
}

// WithFlag sets a bare "name" flag on the rewritten invocation.
func WithFlag(name string) RewriteOpt {
	return func(r *rewriteState) {
		if r.opts.Has(name) {
			return
		}
		r.head = append(r.head, Option{Name: name})
	}
}

// WithoutOptions strips every occurrence of the given option names.
func WithoutOptions(names ...string) RewriteOpt {
	return func(r *rewriteState) {
		r.head = r.head.without(names...)
		r.opts = r.opts.without(names...)
	}
}

// Argv returns a copy of the invocation exactly as it was received.
func (c *Command) Argv() []string {
	return append([]string(nil), c.raw...)
}

// Rewrite builds an argv for a substituted subcommand: the original binary,
// global options and container id are preserved, the subcommand is replaced
// and the subcommand options are passed through the given mutations in
// order. This is the single argv-building primitive shared by all router
// handlers.
func (c *Command) Rewrite(subcommand string, opts ...RewriteOpt) []string {
	r := &rewriteState{opts: append(Options(nil), c.SubcommandOptions...)}
	for _, o := range opts {
		o(r)
	}
	subOpts := append(r.head, r.opts...)
	return assemble(c.Binary, c.GlobalOptions, subcommand, subOpts, c.ContainerID)
}

// Rebuild reconstructs an argv from the parsed representation without any
// mutation. Used to verify the parser's round-trip guarantee; passthrough
// uses Argv instead.
func (c *Command) Rebuild() []string {
	return assemble(c.Binary, c.GlobalOptions, c.Subcommand, c.SubcommandOptions, c.ContainerID)
}

func assemble(binary string, globals Options, subcommand string, subOpts Options, containerID string) []string {
	argv := make([]string, 0, 2*(len(globals)+len(subOpts))+3)
	argv = append(argv, binary)
	argv = appendOptions(argv, globals)
	argv = append(argv, subcommand)
	argv = appendOptions(argv, subOpts)
	if containerID != "" {
		argv = append(argv, containerID)
	}
	return argv
}

func appendOptions(argv []string, opts Options) []string {
	for _, o := range opts {
		argv = append(argv, o.Name)
		if o.Value != nil {
			argv = append(argv, *o.Value)
		}
	}
	return argv
}
