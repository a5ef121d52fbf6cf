package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/ergochat/readline"

	"github.com/drpcorg/replika"
	"github.com/drpcorg/replika/store"
	"github.com/drpcorg/replika/utils"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("new"),
	readline.PcItem("use"),
	readline.PcItem("list"),

	readline.PcItem("put"),
	readline.PcItem("set"),
	readline.PcItem("get"),
	readline.PcItem("fork"),
	readline.PcItem("state"),
	readline.PcItem("clock"),

	readline.PcItem("peer"),
	readline.PcItem("sync"),
	readline.PcItem("conflicts"),
	readline.PcItem("resolve"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

const help = `Commands:
  new <name> <src>        create an in-memory replica
  use <name>              switch the current replica
  list                    list replicas
  put <key> <text>        write a text value
  set <key> <a,b,c>       write a set value, comma-separated
  get <key>               read a value
  fork <name> <src>       fork the current replica
  state                   dump keys and the clock
  clock                   show the causal clock
  peer <name>             connect the current replica with another
  sync <name>             sync with a connected peer
  conflicts               list conflicts awaiting a decision
  resolve <key> <text>    settle a pending conflict
  exit | quit
`

type shell struct {
	replicas map[string]*replika.Replica
	current  string
	log      utils.Logger
}

func (sh *shell) use() *replika.Replica {
	return sh.replicas[sh.current]
}

func (sh *shell) run(ctx context.Context, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	cmd, args := args[0], args[1:]
	if cmd == "help" {
		fmt.Print(help)
		return nil
	}
	if cmd == "new" {
		if len(args) != 2 {
			return fmt.Errorf("usage: new <name> <src>")
		}
		src, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return err
		}
		r, err := replika.NewReplica(ctx, replika.Options{
			Src:    src,
			Name:   args[0],
			Logger: sh.log,
		})
		if err != nil {
			return err
		}
		sh.replicas[args[0]] = r
		sh.current = args[0]
		return nil
	}
	if cmd == "list" {
		names := make([]string, 0, len(sh.replicas))
		for name := range sh.replicas {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			mark := "  "
			if name == sh.current {
				mark = "* "
			}
			fmt.Printf("%s%s src %d\n", mark, name, sh.replicas[name].Source())
		}
		return nil
	}
	if cmd == "use" {
		if len(args) != 1 {
			return fmt.Errorf("usage: use <name>")
		}
		if _, ok := sh.replicas[args[0]]; !ok {
			return fmt.Errorf("no replica %q", args[0])
		}
		sh.current = args[0]
		return nil
	}

	r := sh.use()
	if r == nil {
		return fmt.Errorf("no replica, see: new <name> <src>")
	}

	switch cmd {
	case "put", "set":
		if len(args) < 2 {
			return fmt.Errorf("usage: %s <key> <value>", cmd)
		}
		up := replika.Update{Key: args[0]}
		if cmd == "set" {
			up.ContentType = "set"
			items := strings.Split(strings.Join(args[1:], " "), ",")
			for _, item := range items {
				up.Value = append(up.Value, []byte(strings.TrimSpace(item)+"\n")...)
			}
		} else {
			up.Value = []byte(strings.Join(args[1:], " ") + "\n")
		}
		snap, err := r.LocalUpdate(ctx, up)
		if err != nil {
			return err
		}
		fmt.Printf("ok, clock %s\n", snap.Clock.String())

	case "get":
		if len(args) != 1 {
			return fmt.Errorf("usage: get <key>")
		}
		v, ok, err := r.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no key %q", args[0])
		}
		fmt.Printf("(%s) %s", v.ContentType, string(v.Data))

	case "state":
		snap, err := r.State(ctx)
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(snap.Values))
		for key := range snap.Values {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			v := snap.Values[key]
			fmt.Printf("%s (%s): %s", key, v.ContentType, string(v.Data))
		}
		fmt.Printf("clock %s\n", snap.Clock.String())

	case "clock":
		fmt.Println(r.Clock().String())

	case "fork":
		if len(args) != 2 {
			return fmt.Errorf("usage: fork <name> <src>")
		}
		src, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return err
		}
		f, err := r.Fork(ctx, src, store.NewMemKeyed())
		if err != nil {
			return err
		}
		sh.replicas[args[0]] = f
		fmt.Printf("forked %s as %s src %d\n", sh.current, args[0], src)

	case "peer":
		if len(args) != 1 {
			return fmt.Errorf("usage: peer <name>")
		}
		other, ok := sh.replicas[args[0]]
		if !ok {
			return fmt.Errorf("no replica %q", args[0])
		}
		r.AddPeer(args[0], replika.Loopback{Peer: other})
		other.AddPeer(sh.current, replika.Loopback{Peer: r})

	case "sync":
		if len(args) != 1 {
			return fmt.Errorf("usage: sync <name>")
		}
		changes, err := r.Sync(ctx, args[0])
		if err != nil {
			return err
		}
		for _, c := range changes {
			fmt.Printf("%s %s (%d,%d)\n", c.Kind, c.Key, c.Src, c.Seq)
		}
		fmt.Printf("%d changes\n", len(changes))

	case "conflicts":
		for _, p := range r.PendingConflicts() {
			fmt.Printf("%s: %s\n", p.Key, p.ConflictID)
			for i, opt := range p.Options {
				fmt.Printf("  option %d: %s", i+1, string(opt))
			}
		}

	case "resolve":
		if len(args) < 2 {
			return fmt.Errorf("usage: resolve <key> <value>")
		}
		chosen := []byte(strings.Join(args[1:], " ") + "\n")
		if _, err := r.ResolveConflict(ctx, args[0], chosen); err != nil {
			return err
		}
		fmt.Println("resolved")

	default:
		return fmt.Errorf("unknown command %q, see: help", cmd)
	}
	return nil
}

func main() {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".replika_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer rl.Close()
	rl.CaptureExitSignal()

	sh := &shell{
		replicas: make(map[string]*replika.Replica),
		log:      utils.NewDefaultLogger(slog.LevelWarn),
	}
	ctx := context.Background()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt && len(line) != 0 {
			continue
		}
		if err != nil {
			break
		}
		line = strings.TrimSpace(line)
		if line == "exit" || line == "quit" {
			break
		}
		if err := sh.run(ctx, line); err != nil {
			fmt.Println(err.Error())
		}
	}
}
