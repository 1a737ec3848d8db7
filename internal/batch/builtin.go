package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	logx "hvqueue/pkg/logx"
)

// RegisterBuiltins installs the operational handlers every deployment has:
//
//	noop   does nothing
//	sleep  {"ms": 250} waits, honoring cancellation
//	fail   {"reason": "..."} always fails
//	log    {"msg": "..."} writes an info line
func RegisterBuiltins(r *Registry, log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	r.MustRegister("noop", func(context.Context, json.RawMessage) error { return nil })

	r.MustRegister("sleep", func(ctx context.Context, args json.RawMessage) error {
		var a struct {
			MS int64 `json:"ms"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return err
		}
		if a.MS <= 0 {
			return nil
		}
		t := time.NewTimer(time.Duration(a.MS) * time.Millisecond)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	})

	r.MustRegister("fail", func(_ context.Context, args json.RawMessage) error {
		var a struct {
			Reason string `json:"reason"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return err
		}
		if a.Reason == "" {
			a.Reason = "requested failure"
		}
		return errors.New(a.Reason)
	})

	r.MustRegister("log", func(_ context.Context, args json.RawMessage) error {
		var a struct {
			Msg string `json:"msg"`
		}
		if err := decodeArgs(args, &a); err != nil {
			return err
		}
		log.Info("job log", logx.String("msg", a.Msg))
		return nil
	})
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	return nil
}
