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

import (
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrEmptyCommand is returned for an empty argv or a bare binary name.
	ErrEmptyCommand = errors.New("empty command")

	// ErrNoSubcommand is returned when argv holds only global options, e.g.
	// "runc --help".
	ErrNoSubcommand = errors.New("no subcommand found")
)

// Parse decomposes argv per the runc grammar:
//
//	binary [global_opt [value]]... subcommand [subcmd_opt [value]]... [container_id]
//
// A token starting with "--" opens an option; the following token is its
// value unless that token itself starts with "--", in which case the option
// is a bare flag. The first non-option token closes the global region and is
// the subcommand. The last token after the subcommand, if any, is the
// container id. Parse is a pure function; it never consults the filesystem
// or the environment.
func Parse(argv []string) (*Command, error) {
	if len(argv) < 2 {
		return nil, ErrEmptyCommand
	}

	tokens := argv[1:]

	globals, rest := scanOptions(tokens)
	if len(rest) == 0 {
		return nil, ErrNoSubcommand
	}
	sub, rest := rest[0], rest[1:]

	containerID := ""
	if len(rest) > 0 {
		containerID = rest[len(rest)-1]
		rest = rest[:len(rest)-1]
	}
	subOpts, trailing := scanOptions(rest)
	// Tokens after the option region but before the container id have no
	// meaning in the grammar; keep them as bare flags so a rebuild does not
	// silently drop them.
	for _, tok := range trailing {
		subOpts = append(subOpts, Option{Name: tok})
	}

	return &Command{
		Binary:            argv[0],
		GlobalOptions:     globals,
		Subcommand:        sub,
		SubcommandOptions: subOpts,
		ContainerID:       containerID,
		Namespace:         namespaceFromOptions(globals),
		raw:               append([]string(nil), argv...),
	}, nil
}

// scanOptions consumes leading option tokens and returns the remainder
// starting at the first non-option token.
func scanOptions(tokens []string) (Options, []string) {
	var opts Options
	i := 0
	for i < len(tokens) {
		tok := tokens[i]
		if !strings.HasPrefix(tok, "--") {
			break
		}
		if i+1 < len(tokens) && !strings.HasPrefix(tokens[i+1], "--") {
			v := tokens[i+1]
			opts = append(opts, Option{Name: tok, Value: &v})
			i += 2
			continue
		}
		opts = append(opts, Option{Name: tok})
		i++
	}
	return opts, tokens[i:]
}

// namespaceFromOptions derives the containerd namespace from the --root
// global option. containerd points each namespace's runc root at
// .../<runtime>/<namespace>, so the last path segment is the namespace. A
// missing, empty or trailing-slash root falls back to DefaultNamespace.
func namespaceFromOptions(globals Options) string {
	root, ok := globals.Get("--root")
	if !ok || root == "" || strings.HasSuffix(root, "/") {
		return DefaultNamespace
	}
	parts := strings.Split(root, "/")
	if ns := parts[len(parts)-1]; ns != "" {
		return ns
	}
	return DefaultNamespace
}
