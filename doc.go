// Package relayagent is the Relay data collection agent: a small daemon that
// harvests records from configured data sources and streams them to the
// Relay cloud over a persistent websocket connection.
//
// The agent is built from four cooperating pieces:
//
// 1. Plugin contract (pkg/plugin): every data source adapter implements the
// Source interface and registers a Descriptor carrying its credential field
// declarations, so sources can be validated and presented without being
// instantiated.
//
// 2. Engine (pkg/engine): owns the active sources, runs one sync loop per
// source, and enforces the delivery contract that every harvested record is
// either sent over the transport or spooled into the durable queue.
//
// 3. Transport (pkg/transport): a resilient websocket client with
// exponential-backoff reconnection, keep-alive pings, and fail-fast sends
// while disconnected.
//
// 4. Queue (pkg/queue): a size-bounded SQLite-backed retry queue with
// dead-lettering, drained whenever the transport is connected.
//
// # Quick Start
//
// Run the agent against a config file:
//
//	relay-agent run --config /etc/relay/config.yaml
//
// Add and test a source from the command line:
//
//	relay-agent sources add postgres \
//	    --name "Prod DB" \
//	    --cred host=db.local --cred database=app \
//	    --cred user=reader --cred password=secret \
//	    --cred query="SELECT * FROM events"
//
// Programmatic embedding follows the same wiring the CLI uses:
//
//	store, _ := config.NewStore(cfg.DataDir)
//	q, _ := queue.New(queue.Options{Path: cfg.Queue.Path})
//	client := transport.NewClient(transport.Options{URL: cfg.Cloud.URL, APIKey: cfg.Cloud.APIKey})
//	eng := engine.New(registry.Default(), store, client, q, engine.Options{})
//	eng.Start(ctx)
//
// Adapters self-register on import; the agent binary blank-imports the ones
// it ships (csvfile, rest, postgres, mysql, mongodb, kafka, s3, gcs, redisq,
// snowflake).
package relayagent
