// Copyright (c) 2020-2021, Ctrl IQ, Inc. All rights reserved
// SPDX-License-Identifier: BSD-3-Clause

// Package taskqueue runs named background tasks either synchronously
// with Eager or on a persistent worker pool with Pool.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ctrliq/keynotify/internal/pkg/metrics"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownTask = errors.New("unknown task")
	ErrClosed      = errors.New("task queue closed")
)

// Handler executes a task with its JSON encoded arguments.
type Handler func(ctx context.Context, args []byte) error

// Queue schedules a task for execution.
type Queue interface {
	Enqueue(ctx context.Context, name string, args interface{}) error
}

// Registry maps task names to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register associates a handler to a task name, replacing any
// previous handler with the same name.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[name] = h
}

func (r *Registry) handler(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrUnknownTask, name)
	}
	return h, nil
}

// Run executes the task handler registered for name.
func (r *Registry) Run(ctx context.Context, name string, args []byte) error {
	h, err := r.handler(name)
	if err != nil {
		return err
	}
	err = h(ctx, args)
	metrics.TasksTotal.WithLabelValues(name, metrics.ErrorLabel(err)).Inc()
	return err
}

func encode(args interface{}) ([]byte, error) {
	if b, ok := args.([]byte); ok {
		return b, nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("while encoding task arguments: %w", err)
	}
	return b, nil
}

// Decode unmarshals task arguments into v.
func Decode(args []byte, v interface{}) error {
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("while decoding task arguments: %w", err)
	}
	return nil
}

// Eager executes tasks synchronously within Enqueue.
type Eager struct {
	Registry *Registry
	// Propagate returns handler errors to the caller of Enqueue
	// instead of only logging them.
	Propagate bool
}

func (e *Eager) Enqueue(ctx context.Context, name string, args interface{}) error {
	if _, err := e.Registry.handler(name); err != nil {
		return err
	}
	b, err := encode(args)
	if err != nil {
		return err
	}
	if err := e.Registry.Run(ctx, name, b); err != nil {
		logrus.WithField("task", name).Errorf("Task failed: %s", err)
		if e.Propagate {
			return err
		}
	}
	return nil
}
