// Package entity implements the Canopy entity store: the authoritative
// registry of addressable entities (devices and services), their tree
// hierarchy, and their key/value twin state.
//
// # Model
//
// Every entity owns an immutable four-segment TopicID. The parent graph is
// a tree with a single root (the main device); services hang off devices
// and cannot own children. Twin fragments are per-key JSON values with
// last-write-wins semantics.
//
// # Durability
//
// The store is in-memory but mirrored onto the bus as retained messages:
// one registration message per entity and one message per twin fragment.
// At startup the Binder replays the retained backlog to rebuild the tree
// in its original insertion order, then keeps consuming live updates from
// the same subscriptions. There is no second source of truth.
//
// # Concurrency
//
// One store per agent. Mutations are serialized under a write lock held
// through the corresponding retained publish; reads are concurrent and
// return deep copies, so callers never observe a partial mutation.
//
// # Usage
//
//	store := entity.NewStore(mqtt.NewTopics(cfg.Agent.TopicRoot), client)
//	store.SetLogger(logger)
//
//	main, err := store.Register(entity.Registration{
//	    TopicID: "device/main//",
//	    Type:    entity.TypeMainDevice,
//	})
//
//	binder := entity.NewBinder(store, cfg.Agent.TopicRoot, byte(cfg.MQTT.QoS))
//	if err := binder.Start(client); err != nil {
//	    log.Fatal(err)
//	}
package entity
