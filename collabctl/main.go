package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lorecraft/codex/collab"
)

const CollabCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Codex collaboration control.

The default urls are:
    collab_url: ws://127.0.0.1:8080/collab

Usage:
    collabctl serve [--port=<port>] --secret=<secret>
    collabctl mint-jwt --secret=<secret>
        --display_name=<name>
        [--role=<role>]
    collabctl tail [--collab_url=<collab_url>] --jwt=<jwt>
        --project=<project_id>
        [--entity=<entity_id>]
    collabctl submit [--collab_url=<collab_url>] --jwt=<jwt>
        --project=<project_id>
        --entity=<entity_id>
        --change_type=<change_type>
        [--field=<field>]
        [<value>]
    collabctl withdraw [--collab_url=<collab_url>] --jwt=<jwt>
        --project=<project_id>
        --entity=<entity_id>
        --change=<change_id>
    collabctl lock [--collab_url=<collab_url>] --jwt=<jwt>
        --project=<project_id>
        --entity=<entity_id>
        [--lock_type=<lock_type>]
    collabctl resolve [--collab_url=<collab_url>] --jwt=<jwt>
        --project=<project_id>
        --conflict=<conflict_id>
        [--strategy=<strategy>]
        [<value>]
    collabctl approve [--collab_url=<collab_url>] --jwt=<jwt>
        --project=<project_id>
        --change=<change_id>
        [--decision=<decision>]
        [<comment>]
    collabctl metrics [--collab_url=<collab_url>] --jwt=<jwt>
        --project=<project_id>
    collabctl history [--collab_url=<collab_url>] --jwt=<jwt>
        --project=<project_id>
        [--entity=<entity_id>]
        [--limit=<limit>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --port=<port>                Listen port for serve [default: 8080].
    --secret=<secret>            JWT signing secret.
    --display_name=<name>
    --role=<role>                owner, editor, commenter or viewer [default: editor].
    --collab_url=<collab_url>
    --jwt=<jwt>                  Your collaboration JWT.
    --project=<project_id>
    --entity=<entity_id>
    --change_type=<change_type>  create, update, delete, relationship_add or relationship_remove.
    --field=<field>
    --lock_type=<lock_type>      exclusive, shared or suggestion [default: exclusive].
    --strategy=<strategy>        Resolution strategy [default: latest_wins].
    --conflict=<conflict_id>
    --change=<change_id>
    --decision=<decision>        approve, reject or request_changes [default: approve].
    --limit=<limit>              Print at most this many history entries [default: 50].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if mintJwt_, _ := opts.Bool("mint-jwt"); mintJwt_ {
		mintJwt(opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if submit_, _ := opts.Bool("submit"); submit_ {
		submit(opts)
	} else if withdraw_, _ := opts.Bool("withdraw"); withdraw_ {
		withdraw(opts)
	} else if lock_, _ := opts.Bool("lock"); lock_ {
		lock(opts)
	} else if resolve_, _ := opts.Bool("resolve"); resolve_ {
		resolve(opts)
	} else if approve_, _ := opts.Bool("approve"); approve_ {
		approve(opts)
	} else if metrics_, _ := opts.Bool("metrics"); metrics_ {
		metrics(opts)
	} else if history_, _ := opts.Bool("history"); history_ {
		history(opts)
	}
}

// run a collaboration endpoint with an in-memory entity store
func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")
	secret, _ := opts.String("--secret")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := collab.NewMemoryEntityStore()
	service := collab.NewCollabServiceWithDefaults(cancelCtx, store, []byte(secret))
	defer service.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collab.NewMetricsCollector(service.Metrics))

	mux := http.NewServeMux()
	mux.Handle("/collab", service)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	Out.Printf("listening on :%d", port)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
		Err.Fatalf("%s", err)
	}
}

// mint a jwt for a new user id
func mintJwt(opts docopt.Opts) {
	secret, _ := opts.String("--secret")
	displayName, _ := opts.String("--display_name")
	roleStr, _ := opts.String("--role")

	identity := collab.NewByJwt(collab.NewId(), displayName, collab.Role(roleStr))
	jwtStr, err := identity.Sign([]byte(secret))
	if err != nil {
		Err.Fatalf("%s", err)
	}

	Out.Printf("user_id: %s", identity.UserId)
	Out.Printf("%s", jwtStr)
}

func connectTransport(opts docopt.Opts) (*collab.CollabTransport, context.CancelFunc) {
	collabUrl, err := opts.String("--collab_url")
	if err != nil || collabUrl == "" {
		collabUrl = "ws://127.0.0.1:8080/collab"
	}
	jwtStr, _ := opts.String("--jwt")
	projectIdStr, _ := opts.String("--project")
	entityIdStr, _ := opts.String("--entity")

	if _, err := collab.ParseByJwtUnverified(jwtStr); err != nil {
		Err.Fatalf("Invalid jwt (%s).", err)
	}
	projectId, err := collab.ParseId(projectIdStr)
	if err != nil {
		Err.Fatalf("Invalid project_id (%s).", err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())

	transport := collab.NewCollabTransportWithDefaults(cancelCtx, collabUrl, jwtStr)

	join := &collab.JoinCollaboration{
		ProjectId: projectId,
	}
	if entityIdStr != "" {
		entityId, err := collab.ParseId(entityIdStr)
		if err != nil {
			Err.Fatalf("Invalid entity_id (%s).", err)
		}
		join.EntityId = &entityId
	}
	transport.Send(cancelCtx, &collab.Message{
		Type:              collab.MessageJoinCollaboration,
		JoinCollaboration: join,
	})

	return transport, cancel
}

// print events as they arrive
func tail(opts docopt.Opts) {
	transport, cancel := connectTransport(opts)
	defer cancel()
	defer transport.Close()

	for event := range transport.Receive() {
		eventBytes, err := collab.EncodeEvent(event)
		if err != nil {
			continue
		}
		Out.Printf("%s", eventBytes)
	}
}

func submit(opts docopt.Opts) {
	entityIdStr, _ := opts.String("--entity")
	changeTypeStr, _ := opts.String("--change_type")
	field, _ := opts.String("--field")
	value, _ := opts.String("<value>")

	entityId, err := collab.ParseId(entityIdStr)
	if err != nil {
		Err.Fatalf("Invalid entity_id (%s).", err)
	}

	transport, cancel := connectTransport(opts)
	defer cancel()
	defer transport.Close()

	transport.Send(context.Background(), &collab.Message{
		Type: collab.MessageChangeSubmit,
		ChangeSubmit: &collab.ChangeSubmit{
			EntityId:   entityId,
			ChangeType: collab.ChangeType(changeTypeStr),
			Field:      field,
			NewValue:   value,
		},
	})

	awaitEvent(transport, collab.EventChangeApplied, collab.EventChangeFailed, collab.EventConflictDetected, collab.EventApprovalRequest)
}

func withdraw(opts docopt.Opts) {
	entityIdStr, _ := opts.String("--entity")
	changeIdStr, _ := opts.String("--change")

	entityId, err := collab.ParseId(entityIdStr)
	if err != nil {
		Err.Fatalf("Invalid entity_id (%s).", err)
	}
	changeId, err := collab.ParseId(changeIdStr)
	if err != nil {
		Err.Fatalf("Invalid change_id (%s).", err)
	}

	transport, cancel := connectTransport(opts)
	defer cancel()
	defer transport.Close()

	transport.Send(context.Background(), &collab.Message{
		Type: collab.MessageChangeWithdraw,
		ChangeWithdraw: &collab.ChangeWithdrawMessage{
			EntityId: entityId,
			ChangeId: changeId,
		},
	})

	awaitEvent(transport, collab.EventChangeWithdrawn, collab.EventChangeFailed)
}

func lock(opts docopt.Opts) {
	entityIdStr, _ := opts.String("--entity")
	lockTypeStr, _ := opts.String("--lock_type")

	entityId, err := collab.ParseId(entityIdStr)
	if err != nil {
		Err.Fatalf("Invalid entity_id (%s).", err)
	}

	transport, cancel := connectTransport(opts)
	defer cancel()
	defer transport.Close()

	transport.Send(context.Background(), &collab.Message{
		Type: collab.MessageLockAcquire,
		LockAcquire: &collab.LockAcquireMessage{
			EntityId: entityId,
			LockType: collab.LockType(lockTypeStr),
		},
	})

	awaitEvent(transport, collab.EventEntityLocked)
}

func resolve(opts docopt.Opts) {
	conflictIdStr, _ := opts.String("--conflict")
	strategyStr, _ := opts.String("--strategy")
	value, _ := opts.String("<value>")

	conflictId, err := collab.ParseId(conflictIdStr)
	if err != nil {
		Err.Fatalf("Invalid conflict_id (%s).", err)
	}

	transport, cancel := connectTransport(opts)
	defer cancel()
	defer transport.Close()

	resolveMessage := &collab.ResolveConflictMessage{
		ConflictId: conflictId,
		Strategy:   collab.ResolutionStrategy(strategyStr),
	}
	if value != "" {
		resolveMessage.FinalValue = value
	}
	transport.Send(context.Background(), &collab.Message{
		Type:            collab.MessageResolveConflict,
		ResolveConflict: resolveMessage,
	})

	awaitEvent(transport, collab.EventConflictResolved)
}

func approve(opts docopt.Opts) {
	changeIdStr, _ := opts.String("--change")
	decisionStr, _ := opts.String("--decision")
	comment, _ := opts.String("<comment>")

	changeId, err := collab.ParseId(changeIdStr)
	if err != nil {
		Err.Fatalf("Invalid change_id (%s).", err)
	}

	transport, cancel := connectTransport(opts)
	defer cancel()
	defer transport.Close()

	transport.Send(context.Background(), &collab.Message{
		Type: collab.MessageApprovalDecision,
		ApprovalDecision: &collab.ApprovalDecisionMessage{
			ChangeId: changeId,
			Decision: collab.ApprovalDecision(decisionStr),
			Comment:  comment,
		},
	})

	awaitEvent(transport, collab.EventChangeApplied, collab.EventApprovalUpdated)
}

func metrics(opts docopt.Opts) {
	transport, cancel := connectTransport(opts)
	defer cancel()
	defer transport.Close()

	transport.Send(context.Background(), &collab.Message{
		Type:           collab.MessageMetricsRequest,
		MetricsRequest: &collab.MetricsRequest{},
	})

	awaitEvent(transport, collab.EventMetrics)
}

func history(opts docopt.Opts) {
	entityIdStr, _ := opts.String("--entity")
	limit, err := opts.Int("--limit")
	if err != nil {
		limit = 50
	}

	transport, cancel := connectTransport(opts)
	defer cancel()
	defer transport.Close()

	request := &collab.HistoryRequest{
		Limit: limit,
	}
	if entityIdStr != "" {
		entityId, err := collab.ParseId(entityIdStr)
		if err != nil {
			Err.Fatalf("Invalid entity_id (%s).", err)
		}
		request.EntityId = &entityId
	}
	transport.Send(context.Background(), &collab.Message{
		Type:           collab.MessageHistoryRequest,
		HistoryRequest: request,
	})

	awaitEvent(transport, collab.EventHistory)
}

func awaitEvent(transport *collab.CollabTransport, eventTypes ...collab.EventType) {
	timeout := 30 * time.Second

	for {
		select {
		case event, ok := <-transport.Receive():
			if !ok {
				Err.Fatalf("Disconnected.")
			}
			for _, eventType := range eventTypes {
				if event.Type == eventType {
					eventBytes, _ := collab.EncodeEvent(event)
					Out.Printf("%s", eventBytes)
					return
				}
			}
		case <-time.After(timeout):
			Err.Fatalf("No response (timeout).")
		}
	}
}
