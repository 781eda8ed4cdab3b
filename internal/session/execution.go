package session

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/collab-notebooks/backend/internal/kernel"
	"github.com/collab-notebooks/backend/internal/notebook"
)

// misconfigRemediation is surfaced when the kernel URL answers as the
// collaboration gateway.
const misconfigRemediation = "The kernel URL answers as the collaboration Worker; point it at your Python kernel server instead."

// ErrKernelUnavailable means no kernel client exists for the configured
// mode.
var ErrKernelUnavailable = errors.New("session: no kernel available in this mode")

// ConnectKernel probes the kernel and settles the connection state.
func (s *Session) ConnectKernel(ctx context.Context) error {
	if s.kernelClient == nil {
		s.setKernelStatus(KernelDisconnected)
		return ErrKernelUnavailable
	}

	s.setKernelStatus(KernelLoading)
	_, err := s.kernelClient.Health(ctx)
	if err != nil {
		s.mu.Lock()
		s.kernelStatus = KernelDisconnected
		if errors.Is(err, kernel.ErrMisconfigured) {
			s.misconfig = misconfigRemediation
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.kernelStatus = KernelIdle
	s.misconfig = ""
	s.mu.Unlock()
	return nil
}

func (s *Session) setKernelStatus(status KernelStatus) {
	s.mu.Lock()
	s.kernelStatus = status
	s.mu.Unlock()
}

// ExecuteCell runs one cell on the kernel. The code is read from the
// CRDT, not from the cached view. advance focuses the next cell,
// creating one when the executed cell is last.
func (s *Session) ExecuteCell(ctx context.Context, id string, advance bool) error {
	code, ok := s.doc.CellContent(id)
	if !ok {
		return notebook.ErrCellNotFound
	}

	s.mu.Lock()
	state, tracked := s.runtime[id]
	if !tracked {
		state = &RuntimeCellState{}
		s.runtime[id] = state
	}
	state.Status = RuntimeRunning
	state.Output = nil
	s.mu.Unlock()
	s.scheduleRefresh()

	if s.kernelClient == nil {
		s.installOutput(id, &kernel.CellOutput{
			Type:    kernel.OutputError,
			Content: "No kernel is available in this mode.",
		}, RuntimeError)
		return ErrKernelUnavailable
	}

	s.setKernelStatus(KernelBusy)
	output, err := s.kernelClient.Execute(ctx, code)
	s.setKernelStatus(KernelIdle)

	if err != nil {
		s.installOutput(id, &kernel.CellOutput{
			Type:    kernel.OutputError,
			Content: err.Error(),
		}, RuntimeError)
		return err
	}

	status := RuntimeSuccess
	if output.Type == kernel.OutputError {
		status = RuntimeError
	}

	s.mu.Lock()
	s.executionCount++
	count := s.executionCount
	s.mu.Unlock()

	s.installOutput(id, output, status)
	s.mu.Lock()
	if state, ok := s.runtime[id]; ok {
		state.ExecutionCount = count
	}
	s.mu.Unlock()

	s.refreshVariables(ctx)

	if advance {
		s.advanceFrom(id)
	}
	s.scheduleRefresh()
	return nil
}

func (s *Session) installOutput(id string, output *kernel.CellOutput, status RuntimeStatus) {
	s.mu.Lock()
	if state, ok := s.runtime[id]; ok {
		state.Status = status
		state.Output = output
	}
	s.mu.Unlock()
	s.scheduleRefresh()
}

// advanceFrom focuses the cell after id, inserting a fresh code cell
// when id is the last one.
func (s *Session) advanceFrom(id string) {
	cells, err := s.doc.Cells()
	if err != nil {
		return
	}
	for i, cell := range cells {
		if cell.ID != id {
			continue
		}
		if i+1 < len(cells) {
			s.SetActiveCell(cells[i+1].ID)
			return
		}
		if _, err := s.InsertCellAfter(id, notebook.CellTypeCode); err != nil {
			s.log.Warn("advance insert failed", zap.Error(err))
		}
		return
	}
}

func (s *Session) refreshVariables(ctx context.Context) {
	if s.kernelClient == nil {
		return
	}
	variables, err := s.kernelClient.Variables(ctx)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.variables = variables
	s.mu.Unlock()
}

// Variables returns the last fetched variable list.
func (s *Session) Variables() []kernel.Variable {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]kernel.Variable, len(s.variables))
	copy(out, s.variables)
	return out
}

// RestartKernel restarts the kernel process.
func (s *Session) RestartKernel(ctx context.Context) error {
	if s.kernelClient == nil {
		return ErrKernelUnavailable
	}
	s.setKernelStatus(KernelStarting)
	if err := s.kernelClient.Restart(ctx); err != nil {
		s.setKernelStatus(KernelDisconnected)
		return err
	}
	s.setKernelStatus(KernelIdle)
	return nil
}

// InterruptKernel asks the kernel to interrupt execution. Fire and
// forget.
func (s *Session) InterruptKernel(ctx context.Context) {
	if s.kernelClient == nil {
		return
	}
	s.kernelClient.Interrupt(ctx)
}
