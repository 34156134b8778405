// Package workflow implements declarative command execution over the
// message bus.
//
// A command is a named operation against one entity, carried as a retained
// message on the entity's command topic. Each command type is governed by a
// workflow definition: a small state machine whose states run one action
// (a builtin effect, an external script, or a delegated sub-command) and
// transition on the outcome. Definitions are TOML data, with defaults for
// the common device operations embedded in the binary and an operator
// directory for overrides.
//
// The Router subscribes to the command wildcard and gives every fresh
// "init" message its own Executor. The Executor persists each transition
// as a retained message before acting on the new state, so the broker
// always holds the last committed state and a restarted agent resumes
// exactly where it stopped. Terminal states stay retained until the
// requester clears them with an empty payload.
//
// Example usage:
//
//	registry, err := workflow.NewRegistry()
//	if err != nil {
//		return err
//	}
//	router := workflow.NewRouter(workflow.RouterConfig{
//		Bus:      client,
//		Topics:   topics,
//		Registry: registry,
//		Store:    store,
//		Builtins: workflow.NewBuiltins(fileDir, nil),
//	})
//	if err := router.Start(); err != nil {
//		return err
//	}
package workflow
