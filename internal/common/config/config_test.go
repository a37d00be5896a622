package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
database:
  host: db
  user: pos
  password: secret
  database: pos
rabbitmq:
  host: mq
  user: guest
  password: guest
statemachine:
  storage: memory
  relay_interval: 250ms
  tables:
    - id: T1
      capacity: 4
terminal:
  data_dir: /var/lib/pos
  roles: [waitstaff, kitchen]
  backoff_cap: 30s
collaborators:
  mode: static
  menu:
    - id: margherita
      name: Margherita
      price: "15.99"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesDefaults(t *testing.T) {
	a, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "memory", a.StateMachine.Storage)
	assert.Equal(t, 250*time.Millisecond, a.StateMachine.RelayInterval)
	assert.Equal(t, 100, a.StateMachine.RelayBatch)
	assert.Equal(t, []TableSeed{{ID: "T1", Capacity: 4}}, a.StateMachine.Tables)

	assert.Equal(t, "/var/lib/pos", a.Terminal.DataDir)
	assert.Equal(t, []string{"waitstaff", "kitchen"}, a.Terminal.Roles)
	assert.Equal(t, 30*time.Second, a.Terminal.BackoffCap)
	assert.Equal(t, time.Second, a.Terminal.BackoffBase)
	assert.Equal(t, "pos.events", a.Rabbit.Exchange)
	assert.Equal(t, "15.99", a.Collaborators.Menu[0].Price)

	assert.NoError(t, a.ValidateServer())
	assert.NoError(t, a.ValidateGateway())
	assert.NoError(t, a.ValidateTerminal())
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv("POS_DB_HOST", "db.internal")
	t.Setenv("POS_DB_PORT", "6543")
	t.Setenv("POS_RABBITMQ_PASSWORD", "rotated")
	t.Setenv("POS_LOG_LEVEL", "debug")

	a, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "db.internal", a.Database.Host)
	assert.Equal(t, 6543, a.Database.Port)
	assert.Equal(t, "rotated", a.Rabbit.Pass)
	assert.Equal(t, "debug", a.Log.Level)
	assert.Contains(t, a.Database.DSN(), "db.internal:6543")
}

func TestValidation(t *testing.T) {
	a := Defaults()
	assert.Error(t, a.ValidateServer())
	assert.Error(t, a.ValidateGateway())
	assert.NoError(t, a.ValidateTerminal())

	a.StateMachine.Storage = "memory"
	a.Rabbit.Host, a.Rabbit.User = "mq", "guest"
	assert.NoError(t, a.ValidateServer())

	a.Terminal.BackoffCap = time.Millisecond
	assert.Error(t, a.ValidateTerminal())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	_, err = Load(writeConfig(t, "terminal: [not, a, map]"))
	assert.Error(t, err)
}
