package app

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
)

func TestRedisSweepLock_AcquireAndRelease(t *testing.T) {
	client, mock := redismock.NewClientMock()
	lock := NewRedisSweepLock(client, "transfa:rental", testLogger())
	if lock.Key() != "transfa:rental:sweep:lock" {
		t.Fatalf("unexpected lock key %q", lock.Key())
	}

	mock.Regexp().ExpectSetNX(lock.Key(), ".+", 5*time.Minute).SetVal(true)
	mock.Regexp().ExpectEvalSha(releaseSweepLockScript.Hash(), []string{lock.Key()}, ".+").SetVal(int64(1))

	release, ok, err := lock.Acquire(context.Background(), 5*time.Minute)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	if !ok {
		t.Fatal("expected lock to be acquired")
	}
	release()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRedisSweepLock_HeldElsewhere(t *testing.T) {
	client, mock := redismock.NewClientMock()
	lock := NewRedisSweepLock(client, "", testLogger())

	mock.Regexp().ExpectSetNX(lock.Key(), ".+", time.Minute).SetVal(false)

	release, ok, err := lock.Acquire(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	if ok || release != nil {
		t.Fatal("expected lock to be reported as held")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRedisSweepLock_ReleaseFailureIsLogged(t *testing.T) {
	client, mock := redismock.NewClientMock()
	var logs bytes.Buffer
	lock := NewRedisSweepLock(client, "transfa:rental", slog.New(slog.NewTextHandler(&logs, nil)))

	mock.Regexp().ExpectSetNX(lock.Key(), ".+", time.Minute).SetVal(true)
	mock.Regexp().ExpectEvalSha(releaseSweepLockScript.Hash(), []string{lock.Key()}, ".+").SetErr(errors.New("connection reset"))

	release, ok, err := lock.Acquire(context.Background(), time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected lock to be acquired, got ok=%v err=%v", ok, err)
	}
	release()

	out := logs.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "failed to release sweep lock") || !strings.Contains(out, "key=transfa:rental:sweep:lock") {
		t.Fatalf("expected a structured release warning, got %q", out)
	}
}
