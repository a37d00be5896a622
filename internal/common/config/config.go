package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type DB struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Pass     string `yaml:"password"`
	Name     string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DB) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s&pool_max_conns=%d",
		d.User, d.Pass, d.Host, d.Port, d.Name, d.SSLMode, d.MaxConns)
}

type MQ struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Pass     string `yaml:"password"`
	VHost    string `yaml:"vhost"`
	UseTLS   bool   `yaml:"tls"`
	Exchange string `yaml:"exchange"`
}

type Log struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

type TableSeed struct {
	ID       string `yaml:"id"`
	Capacity int    `yaml:"capacity"`
}

type MenuSeed struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Price string `yaml:"price"`
}

type Collaborators struct {
	// Mode is "http" or "static".
	Mode         string        `yaml:"mode"`
	MenuURL      string        `yaml:"menu_url"`
	TablesURL    string        `yaml:"tables_url"`
	CustomersURL string        `yaml:"customers_url"`
	Timeout      time.Duration `yaml:"timeout"`
	Menu         []MenuSeed    `yaml:"menu"`
	Customers    []string      `yaml:"customers"`
}

type StateMachine struct {
	Port          int           `yaml:"port"`
	Storage       string        `yaml:"storage"` // postgres | memory
	RelayInterval time.Duration `yaml:"relay_interval"`
	RelayBatch    int           `yaml:"relay_batch"`
	Tables        []TableSeed   `yaml:"tables"`
}

type Gateway struct {
	Port         int           `yaml:"port"`
	InstanceName string        `yaml:"instance_name"`
	SendBuffer   int           `yaml:"send_buffer"`
	PingInterval time.Duration `yaml:"ping_interval"`
	Prefetch     int           `yaml:"prefetch"`
}

type Terminal struct {
	Port           int           `yaml:"port"`
	DataDir        string        `yaml:"data_dir"`
	ServerURL      string        `yaml:"server_url"`
	GatewayURL     string        `yaml:"gateway_url"`
	Roles          []string      `yaml:"roles"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	DrainInterval  time.Duration `yaml:"drain_interval"`
	SendTimeout    time.Duration `yaml:"send_timeout"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffCap     time.Duration `yaml:"backoff_cap"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	NoticeBuffer   int           `yaml:"notice_buffer"`
}

type App struct {
	Database      DB            `yaml:"database"`
	Rabbit        MQ            `yaml:"rabbitmq"`
	Log           Log           `yaml:"log"`
	StateMachine  StateMachine  `yaml:"statemachine"`
	Gateway       Gateway       `yaml:"gateway"`
	Terminal      Terminal      `yaml:"terminal"`
	Collaborators Collaborators `yaml:"collaborators"`
}

func Defaults() App {
	return App{
		Database: DB{Port: 5432, SSLMode: "disable", MaxConns: 10},
		Rabbit:   MQ{Port: 5672, VHost: "/", Exchange: "pos.events"},
		Log:      Log{Level: "info", Encoding: "json"},
		StateMachine: StateMachine{
			Port: 3000, Storage: "postgres", RelayInterval: 500 * time.Millisecond, RelayBatch: 100,
		},
		Gateway: Gateway{
			Port: 3001, InstanceName: "gateway-1", SendBuffer: 64, PingInterval: 25 * time.Second, Prefetch: 50,
		},
		Terminal: Terminal{
			Port: 3100, DataDir: "data", ServerURL: "http://localhost:3000", GatewayURL: "ws://localhost:3001/ws",
			Roles: []string{"waitstaff"}, ProbeInterval: 5 * time.Second, DrainInterval: 15 * time.Second,
			SendTimeout: 5 * time.Second, BackoffBase: time.Second, BackoffCap: 2 * time.Minute,
			ReconnectDelay: 3 * time.Second, NoticeBuffer: 64,
		},
		Collaborators: Collaborators{Mode: "static", Timeout: 3 * time.Second},
	}
}

// Load reads the YAML file at path on top of Defaults, then applies POS_*
// environment overrides for connection secrets.
func Load(path string) (App, error) {
	a := Defaults()
	b, err := os.ReadFile(path)
	if err != nil {
		return App{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &a); err != nil {
		return App{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyEnv(&a)
	return a, nil
}

func applyEnv(a *App) {
	setStr(&a.Database.Host, "POS_DB_HOST")
	setInt(&a.Database.Port, "POS_DB_PORT")
	setStr(&a.Database.User, "POS_DB_USER")
	setStr(&a.Database.Pass, "POS_DB_PASSWORD")
	setStr(&a.Database.Name, "POS_DB_NAME")
	setStr(&a.Rabbit.Host, "POS_RABBITMQ_HOST")
	setInt(&a.Rabbit.Port, "POS_RABBITMQ_PORT")
	setStr(&a.Rabbit.User, "POS_RABBITMQ_USER")
	setStr(&a.Rabbit.Pass, "POS_RABBITMQ_PASSWORD")
	setStr(&a.Log.Level, "POS_LOG_LEVEL")
}

func setStr(dst *string, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v, ok := os.LookupEnv(env); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// ValidateServer checks what the statemachine process needs.
func (a App) ValidateServer() error {
	if a.StateMachine.Storage == "postgres" {
		if a.Database.Host == "" || a.Database.User == "" || a.Database.Name == "" {
			return errors.New("invalid config: database host/user/database are required")
		}
	}
	return a.validateRabbit()
}

func (a App) ValidateGateway() error { return a.validateRabbit() }

func (a App) ValidateTerminal() error {
	if a.Terminal.ServerURL == "" || a.Terminal.DataDir == "" {
		return errors.New("invalid config: terminal server_url and data_dir are required")
	}
	if a.Terminal.BackoffBase <= 0 || a.Terminal.BackoffCap < a.Terminal.BackoffBase {
		return errors.New("invalid config: terminal backoff_base must be > 0 and <= backoff_cap")
	}
	return nil
}

func (a App) validateRabbit() error {
	if a.Rabbit.Host == "" || a.Rabbit.User == "" {
		return errors.New("invalid config: rabbitmq host/user are required")
	}
	return nil
}

// FindConfig returns the first existing default config location.
func FindConfig() (string, error) {
	candidates := []string{"config.yaml", "deploy/config.example.yaml"}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fs.ErrNotExist
}
