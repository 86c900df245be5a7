package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"plugbridge/internal/httpapi"
	"plugbridge/internal/lifecycle"
	"plugbridge/pkg/types"
)

// instance is the part of client.Client the host drives.
type instance interface {
	ID() string
	Stage() lifecycle.Stage
	Closed() bool
	Status() types.InstanceStatus
	AudioIO() types.AudioIO
	Reset(ctx context.Context) error
	Process(in, out [][]float32, n int) bool
	Shutdown() error
}

// host owns the bridged instances of a run and serves them to httpapi.
type host struct {
	mu    sync.RWMutex
	order []instance
	byID  map[string]instance
}

func newHost() *host { return &host{byID: make(map[string]instance)} }

func (h *host) add(i instance) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.order = append(h.order, i)
	h.byID[i.ID()] = i
}

func (h *host) instances() []instance {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]instance(nil), h.order...)
}

func (h *host) Status() types.StatusResponse {
	insts := h.instances()
	resp := types.StatusResponse{Instances: make([]types.InstanceStatus, 0, len(insts))}
	for _, i := range insts {
		resp.Instances = append(resp.Instances, i.Status())
	}
	return resp
}

func (h *host) lookup(id string) (instance, error) {
	h.mu.RLock()
	i, ok := h.byID[id]
	h.mu.RUnlock()
	if !ok {
		return nil, httpapi.ErrInstanceNotFound(id)
	}
	return i, nil
}

func (h *host) Instance(id string) (types.InstanceStatus, error) {
	i, err := h.lookup(id)
	if err != nil {
		return types.InstanceStatus{}, err
	}
	return i.Status(), nil
}

func (h *host) ResetInstance(ctx context.Context, id string) error {
	i, err := h.lookup(id)
	if err != nil {
		return err
	}
	return i.Reset(ctx)
}

func (h *host) Ready() bool {
	insts := h.instances()
	if len(insts) == 0 {
		return false
	}
	for _, i := range insts {
		if i.Closed() || i.Stage() != lifecycle.Ready {
			return false
		}
	}
	return true
}

// render feeds every instance one silent block per period until ctx ends.
// Buffers are allocated once; the loop itself does not allocate.
func (h *host) render(ctx context.Context, block int, period time.Duration) {
	type lane struct {
		inst    instance
		in, out [][]float32
	}
	var lanes []lane
	for _, i := range h.instances() {
		aio := i.AudioIO()
		lanes = append(lanes, lane{inst: i, in: buffers(aio.Inputs, block), out: buffers(aio.Outputs, block)})
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, l := range lanes {
				l.inst.Process(l.in, l.out, block)
			}
		}
	}
}

func buffers(n, block int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, block)
	}
	return out
}

// shutdown stops every instance and joins their errors.
func (h *host) shutdown(log zerolog.Logger) error {
	var errs []error
	for _, i := range h.instances() {
		if err := i.Shutdown(); err != nil {
			log.Warn().Err(err).Str("instance", i.ID()).Msg("instance shutdown")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
