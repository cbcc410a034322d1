package zap

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/unkn0wn-root/flashsale"
)

func TestLevelsAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := New(zap.New(core)).Named("seckill")

	l.Debug("d", nil)
	l.Info("i", flashsale.Fields{"offer": 7})
	l.Warn("w", flashsale.Fields{"b": 2, "a": 1})
	l.Error("e", flashsale.Fields{"err": errors.New("boom")})

	entries := logs.All()
	if len(entries) != 4 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[0].LoggerName != "seckill" {
		t.Fatalf("logger name = %q", entries[0].LoggerName)
	}
	if got := entries[1].ContextMap()["offer"]; got != int64(7) {
		t.Fatalf("offer field = %v (%T)", got, got)
	}
	if w := entries[2].Context; w[0].Key != "a" || w[1].Key != "b" {
		t.Fatalf("fields not sorted: %v", w)
	}
	if got := entries[3].ContextMap()["err"]; got != "boom" {
		t.Fatalf("err field = %v", got)
	}
}
