// Copyright 2024-2026 The Strand Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package admin

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// The line protocol served on the Unix socket, one command per line:
//
//	version
//	pool.add <backend> <name> <addr> [weight=N] [maxconn=N] [backup]
//	         [disabled] [check] [check_addr=A] [check_port=N]
//	         [inter=DUR] [rise=N] [fall=N]
//	pool.disable <backend> <server>
//	pool.enable <backend> <server>
//	pool.weight <backend> <server> <weight>
//	pool.status <backend> <server>
//	pool.contents <backend>
//
// Replies are "OK ..." or "ERR <reason>"; pool.contents emits one line
// per server and a final "END".

func (a *Applet) handleLine(line string, out io.Writer) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "version":
		fmt.Fprintf(out, "OK %s\n", Version)

	case "pool.add":
		if len(args) < 3 {
			fmt.Fprintln(out, "ERR usage: pool.add <backend> <name> <addr> [options]")
			return
		}
		req := AddServerRequest{Backend: args[0], Name: args[1], Addr: args[2]}
		if err := parseAddOptions(&req, args[3:]); err != nil {
			fmt.Fprintf(out, "ERR %v\n", err)
			return
		}
		st, err := a.PoolAdd(req)
		replyStatus(out, st, err)

	case "pool.remove":
		err := a.PoolRemove(arg(args, 0), arg(args, 1))
		fmt.Fprintf(out, "ERR %v\n", err)

	case "pool.disable":
		if len(args) != 2 {
			fmt.Fprintln(out, "ERR usage: pool.disable <backend> <server>")
			return
		}
		st, err := a.PoolDisable(args[0], args[1])
		replyStatus(out, st, err)

	case "pool.enable":
		if len(args) != 2 {
			fmt.Fprintln(out, "ERR usage: pool.enable <backend> <server>")
			return
		}
		st, err := a.PoolEnable(args[0], args[1])
		replyStatus(out, st, err)

	case "pool.weight":
		if len(args) != 3 {
			fmt.Fprintln(out, "ERR usage: pool.weight <backend> <server> <weight>")
			return
		}
		weight, err := strconv.Atoi(args[2])
		if err != nil {
			fmt.Fprintf(out, "ERR bad weight %q\n", args[2])
			return
		}
		st, err := a.PoolWeight(args[0], args[1], weight)
		replyStatus(out, st, err)

	case "pool.status":
		if len(args) != 2 {
			fmt.Fprintln(out, "ERR usage: pool.status <backend> <server>")
			return
		}
		st, err := a.PoolStatus(args[0], args[1])
		replyStatus(out, st, err)

	case "pool.contents":
		if len(args) != 1 {
			fmt.Fprintln(out, "ERR usage: pool.contents <backend>")
			return
		}
		list, err := a.PoolContents(args[0])
		if err != nil {
			fmt.Fprintf(out, "ERR %v\n", err)
			return
		}
		for _, st := range list {
			fmt.Fprintln(out, formatStatus(st))
		}
		fmt.Fprintln(out, "END")

	default:
		fmt.Fprintf(out, "ERR unknown command %q\n", cmd)
	}
}

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func replyStatus(out io.Writer, st ServerStatus, err error) {
	if err != nil {
		fmt.Fprintf(out, "ERR %v\n", err)
		return
	}
	fmt.Fprintf(out, "OK %s\n", formatStatus(st))
}

func formatStatus(st ServerStatus) string {
	flags := ""
	if st.Backup {
		flags = " backup"
	}
	return fmt.Sprintf("%s/%s %s %s weight=%d served=%d pending=%d%s",
		st.Backend, st.Name, st.Addr, st.State, st.Weight, st.Served, st.Pending, flags)
}

func parseAddOptions(req *AddServerRequest, opts []string) error {
	for _, opt := range opts {
		key, val, hasVal := strings.Cut(opt, "=")
		switch key {
		case "backup":
			req.Backup = true
		case "disabled":
			req.Disabled = true
		case "check":
			req.Check = true
		case "weight", "maxconn", "check_port", "rise", "fall":
			if !hasVal {
				return fmt.Errorf("%s needs a value", key)
			}
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("bad %s %q", key, val)
			}
			switch key {
			case "weight":
				req.Weight = n
			case "maxconn":
				req.Maxconn = n
			case "check_port":
				req.CheckPort = n
			case "rise":
				req.Rise = n
			case "fall":
				req.Fall = n
			}
		case "check_addr":
			req.CheckAddr = val
		case "inter":
			d, err := time.ParseDuration(val)
			if err != nil {
				return fmt.Errorf("bad inter %q", val)
			}
			req.Inter = d
		default:
			return fmt.Errorf("unknown option %q", key)
		}
	}
	return nil
}

// serveConn handles one Unix-socket client until EOF.
func (a *Applet) serveConn(rw io.ReadWriter) {
	scanner := bufio.NewScanner(rw)
	for scanner.Scan() {
		a.handleLine(scanner.Text(), rw)
	}
}
