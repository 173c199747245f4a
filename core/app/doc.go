// Package app provides a high-level API for building sharded node
// processes on top of [sharding.Guardian].
//
// The App type owns a Guardian and the collaborators every entry type on a
// node shares: a transport, a membership view, and the event-sourcing
// store/registry the coordinator and shard entries persist through.
//
// # Basic Usage
//
//	app, err := app.New(app.Config{
//	    Node: app.NodeConfig{
//	        ID:        "node-1",
//	        Roles:     []string{"worker"},
//	        Transport: natsTransport,
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	region, err := app.StartType("orders", newOrderEntry, extractOrderID, resolveShard)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	reply, err := region.Deliver(ctx, PlaceOrder{ID: "123"})
//
//	// Graceful shutdown
//	app.Stop()
//
// # Multi-Node Clusters
//
// For multi-node deployments, every node shares the same Transport
// implementation (cmd/shardnode wires the NATS adapter) and Membership
// roster; the Coordinator singleton and shard placement follow from
// cluster membership, not from a static node list.
//
// # Zero-Configuration Defaults
//
// Config{} boots a fully in-memory, single-process app: an in-memory
// transport, a one-member in-memory roster, and an in-memory event store,
// useful for tests and demos without a broker.
package app
