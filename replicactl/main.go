package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"
	"github.com/sanity-io/litter"

	"github.com/bringyour/replica/replica"
	"github.com/bringyour/replica/replica/api"
)

const ReplicaCtlVersion = "0.0.1"

const DefaultUrl = "http://localhost:8080"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`Replica control.

Values are parsed as json. A value that is not json is sent as a string.
The default url is %s

Usage:
    replicactl list [--url=<url>] [--jwt=<jwt>] [--binary] [--debug]
    replicactl add [--url=<url>] [--jwt=<jwt>] [--binary] <value>...
    replicactl insert [--url=<url>] [--jwt=<jwt>] [--binary] <index> <value>
    replicactl remove [--url=<url>] [--jwt=<jwt>] [--binary] <index>
    replicactl set [--url=<url>] [--jwt=<jwt>] [--binary] <index> <value>
    replicactl watch [--url=<url>] [--jwt=<jwt>] [--binary]
    replicactl token --client=<client> [--secret=<secret>] [--ttl=<ttl>]

Options:
    -h --help            Show this screen.
    --version            Show version.
    --url=<url>          Server url.
    --jwt=<jwt>          Bearer token from "replicactl token".
    --binary             Use the binary protocol.
    --debug              Dump the elements with their addresses.
    --client=<client>    Client name in the token.
    --secret=<secret>    Server jwt secret. Prompted if omitted.
    --ttl=<ttl>          Token lifetime with time units: s, m, h [default: 24h].`,
		DefaultUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ReplicaCtlVersion)
	if err != nil {
		panic(err)
	}

	if list_, _ := opts.Bool("list"); list_ {
		list(opts)
	} else if add_, _ := opts.Bool("add"); add_ {
		add(opts)
	} else if insert_, _ := opts.Bool("insert"); insert_ {
		insert(opts)
	} else if remove_, _ := opts.Bool("remove"); remove_ {
		remove(opts)
	} else if set_, _ := opts.Bool("set"); set_ {
		set(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	}
}

func optString(opts docopt.Opts, key string, defaultValue string) string {
	if valueAny := opts[key]; valueAny != nil {
		return valueAny.(string)
	}
	return defaultValue
}

func parseValue(valueStr string) any {
	var value any
	if err := json.Unmarshal([]byte(valueStr), &value); err != nil {
		return valueStr
	}
	return value
}

func formatValue(value any) string {
	valueJson, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(valueJson)
}

// connects over http, or over a websocket when `push` is set
func connect(ctx context.Context, opts docopt.Opts, push bool) *replica.ClientCollection[any] {
	url := strings.TrimSuffix(optString(opts, "--url", DefaultUrl), "/")
	byJwt := optString(opts, "--jwt", os.Getenv("REPLICA_JWT"))
	binary, _ := opts.Bool("--binary")

	var transfer replica.Transfer
	if push {
		format := "json"
		if binary {
			format = "binary"
		}
		wsUrl := "ws" + strings.TrimPrefix(url, "http")
		transfer = replica.NewWebSocketTransferWithDefaults(ctx, fmt.Sprintf("%s/collection/ws?format=%s", wsUrl, format), byJwt)
	} else {
		contentType := replica.ContentTypeJson
		if binary {
			contentType = replica.ContentTypeBinary
		}
		transfer = replica.NewHttpTransferWithDefaults(fmt.Sprintf("%s/collection", url), byJwt, contentType)
	}

	var transceiver replica.Transceiver
	if binary {
		transceiver = replica.NewBinaryTransceiverWithDefaults(ctx, transfer)
	} else {
		transceiver = replica.NewJsonTransceiverWithDefaults(ctx, transfer)
	}

	settings := replica.DefaultClientCollectionSettings()
	if !push {
		settings.PollInterval = 0
	}
	client, err := replica.NewClientCollection[any](ctx, transceiver, replica.JsonValueCodec[any]{}, settings)
	if err != nil {
		Err.Fatalf("connect error = %s", err)
	}
	return client
}

func parseIndex(opts docopt.Opts) int {
	index, err := strconv.Atoi(opts["<index>"].(string))
	if err != nil {
		Err.Fatalf("bad index = %s", err)
	}
	return index
}

func printList(client *replica.ClientCollection[any]) {
	for i, element := range client.Elements() {
		Out.Printf("%d %s\n", i, formatValue(element.Value))
	}
}

func list(opts docopt.Opts) {
	ctx := context.Background()
	client := connect(ctx, opts, false)
	defer client.Close()

	if debug, _ := opts.Bool("--debug"); debug {
		Out.Printf("last change %d\n", client.LastChange())
		Out.Println(litter.Sdump(client.Elements()))
		return
	}
	printList(client)
}

func add(opts docopt.Opts) {
	ctx := context.Background()
	client := connect(ctx, opts, false)
	defer client.Close()

	values := []any{}
	for _, valueStr := range opts["<value>"].([]string) {
		values = append(values, parseValue(valueStr))
	}
	if err := client.AddAll(ctx, values); err != nil {
		Err.Fatalf("add error = %s", err)
	}
	printList(client)
}

func insert(opts docopt.Opts) {
	ctx := context.Background()
	client := connect(ctx, opts, false)
	defer client.Close()

	element, err := client.Insert(ctx, parseIndex(opts), parseValue(firstValue(opts)))
	if err != nil {
		Err.Fatalf("insert error = %s", err)
	}
	Out.Printf("added at %s\n", element.Address)
	printList(client)
}

func remove(opts docopt.Opts) {
	ctx := context.Background()
	client := connect(ctx, opts, false)
	defer client.Close()

	removed, err := client.Remove(ctx, parseIndex(opts))
	if err != nil {
		Err.Fatalf("remove error = %s", err)
	}
	Out.Printf("removed %s\n", formatValue(removed))
	printList(client)
}

func set(opts docopt.Opts) {
	ctx := context.Background()
	client := connect(ctx, opts, false)
	defer client.Close()

	old, err := client.Set(ctx, parseIndex(opts), parseValue(firstValue(opts)))
	if err != nil {
		Err.Fatalf("set error = %s", err)
	}
	Out.Printf("replaced %s\n", formatValue(old))
	printList(client)
}

// docopt collects `<value>` as a list because of `add`
func firstValue(opts docopt.Opts) string {
	switch v := opts["<value>"].(type) {
	case []string:
		if 0 < len(v) {
			return v[0]
		}
	case string:
		return v
	}
	Err.Fatalf("missing value")
	return ""
}

func watch(opts docopt.Opts) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	client := connect(ctx, opts, true)
	defer client.Close()

	printList(client)
	client.Subscribe(func(event *replica.ClientChangeEvent[any]) {
		switch {
		case event.Reset:
			Out.Printf("reset\n")
			printList(client)
		case event.Type == replica.ChangeAdd:
			Out.Printf("+%d %s\n", event.Index, formatValue(event.NewValue))
		case event.Type == replica.ChangeRemove:
			Out.Printf("-%d %s\n", event.Index, formatValue(event.OldValue))
		default:
			Out.Printf("~%d %s -> %s\n", event.Index, formatValue(event.OldValue), formatValue(event.NewValue))
		}
	})

	<-ctx.Done()
}

func token(opts docopt.Opts) {
	clientName := opts["--client"].(string)

	ttl, err := time.ParseDuration(optString(opts, "--ttl", "24h"))
	if err != nil {
		Err.Fatalf("bad ttl = %s", err)
	}

	var secret string
	if secretAny := opts["--secret"]; secretAny != nil {
		secret = secretAny.(string)
	} else {
		fmt.Print("Enter secret: ")
		secretBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		secret = string(secretBytes)
		fmt.Printf("\n")
	}

	byJwt, err := api.NewJwtAuth([]byte(secret)).NewToken(clientName, ttl)
	if err != nil {
		panic(err)
	}
	Out.Printf("%s\n", byJwt)
}
