package server

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

const envPrefix = "GRIDSYNC_"

// Config 进程启动配置：默认值 < 环境变量（含 .env） < 命令行参数
type Config struct {
	Addr           string
	StaticDir      string
	LogFile        string
	LogLevel       string
	LogConsole     bool
	MaxPlayers     int
	MailboxSize    int
	SendBufferSize int
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Addr:           ":8088",
		StaticDir:      "static",
		LogFile:        "app.log",
		LogLevel:       "debug",
		MaxPlayers:     0,
		MailboxSize:    defaultMailboxSize,
		SendBufferSize: defaultSendBuffer,
	}
}

// LoadDotEnv 读取工作目录下的 .env；文件不存在不算错误
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// LoadConfig 从环境变量与命令行参数构建配置
func LoadConfig(args []string) (Config, error) {
	cfg := DefaultConfig()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}

	fs := flag.NewFlagSet("gridsync", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "server listen address, e.g. :8088")
	fs.StringVar(&cfg.StaticDir, "static", cfg.StaticDir, "directory of static files served at /")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "rolling log file path, empty to disable")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.BoolVar(&cfg.LogConsole, "log-console", cfg.LogConsole, "also log to stdout")
	fs.IntVar(&cfg.MaxPlayers, "max-players", cfg.MaxPlayers, "player slot cap, 0 for unlimited")
	fs.IntVar(&cfg.MailboxSize, "mailbox", cfg.MailboxSize, "coordinator command queue size")
	fs.IntVar(&cfg.SendBufferSize, "send-buffer", cfg.SendBufferSize, "per-session outbound queue size")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate 检查数值与日志级别
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr must not be empty")
	}
	if c.MaxPlayers < 0 {
		return fmt.Errorf("max players must be >= 0, got %d", c.MaxPlayers)
	}
	if c.MailboxSize <= 0 {
		return fmt.Errorf("mailbox size must be > 0, got %d", c.MailboxSize)
	}
	if c.SendBufferSize <= 0 {
		return fmt.Errorf("send buffer must be > 0, got %d", c.SendBufferSize)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(envPrefix + key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = n
		return nil
	}

	str("ADDR", &c.Addr)
	str("STATIC_DIR", &c.StaticDir)
	str("LOG_FILE", &c.LogFile)
	str("LOG_LEVEL", &c.LogLevel)
	if v, ok := lookup(envPrefix + "LOG_CONSOLE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sLOG_CONSOLE: %w", envPrefix, err)
		}
		c.LogConsole = b
	}
	if err := num("MAX_PLAYERS", &c.MaxPlayers); err != nil {
		return err
	}
	if err := num("MAILBOX_SIZE", &c.MailboxSize); err != nil {
		return err
	}
	return num("SEND_BUFFER", &c.SendBufferSize)
}

// Logging 提取日志配置
func (c Config) Logging() LogConfig {
	return LogConfig{File: c.LogFile, Level: c.LogLevel, Console: c.LogConsole}
}
