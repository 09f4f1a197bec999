package main

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/kylerisse/nodectl/pkg/node"
)

func init() {
	register(command{
		name:    "register",
		args:    "<node> <ip>",
		summary: "Record a node that has not reported yet so commands reach it.",
		setup: func(*pflag.FlagSet) runner {
			return runRegister
		},
	})
	register(command{
		name:    "unregister",
		args:    "<node>",
		summary: "Forget a node's status until it reports again.",
		setup: func(*pflag.FlagSet) runner {
			return runUnregister
		},
	})
}

func parseNodeID(s string) (node.ID, error) {
	id, err := node.ParseID(s)
	if err != nil {
		return 0, err
	}
	if !id.Valid() {
		return 0, fmt.Errorf("node %d is out of range", id)
	}
	return id, nil
}

func runRegister(ctx context.Context, e *env, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("expected <node> <ip>")
	}
	id, err := parseNodeID(args[0])
	if err != nil {
		return err
	}
	iss, err := e.cfg.Issuer(e.store, e.logger)
	if err != nil {
		return err
	}
	if err := iss.Register(ctx, id, args[1]); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "Registered node %d at %s\n", id, args[1])
	return nil
}

func runUnregister(ctx context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected <node>")
	}
	id, err := parseNodeID(args[0])
	if err != nil {
		return err
	}
	iss, err := e.cfg.Issuer(e.store, e.logger)
	if err != nil {
		return err
	}
	if err := iss.Unregister(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "Unregistered node %d\n", id)
	return nil
}
