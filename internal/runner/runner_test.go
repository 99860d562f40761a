package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskplane/taskplane/internal/domain"
)

type stubRunner struct {
	shutdowns int
}

func (s *stubRunner) ValidateConfig(domain.Document) error { return nil }
func (s *stubRunner) Prepare(*domain.Task, map[string]string) (Task, error) {
	return nil, nil
}
func (s *stubRunner) Submit(context.Context, Task) (Update, error) { return Update{}, nil }
func (s *stubRunner) FetchStatus(context.Context, string) (Update, error) {
	return Update{}, nil
}
func (s *stubRunner) LogSummary(string, string, int) []domain.LogEntry { return nil }
func (s *stubRunner) Result(string) domain.Document                    { return nil }
func (s *stubRunner) Cancel(context.Context, string, bool) error       { return nil }
func (s *stubRunner) Shutdown(context.Context) error {
	s.shutdowns++
	return nil
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	stub := &stubRunner{}
	reg.Register("flink_sql", stub)

	got, err := reg.Get("flink_sql")
	require.NoError(t, err)
	assert.Same(t, stub, got.(*stubRunner))

	_, err = reg.Get("nonexistent")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownTaskType)

	assert.ElementsMatch(t, []string{"flink_sql"}, reg.Types())
}

func TestRegistryShutdown(t *testing.T) {
	reg := NewRegistry()
	a, b := &stubRunner{}, &stubRunner{}
	reg.Register("a", a)
	reg.Register("b", b)

	require.NoError(t, reg.Shutdown(context.Background()))
	assert.Equal(t, 1, a.shutdowns)
	assert.Equal(t, 1, b.shutdowns)
}
