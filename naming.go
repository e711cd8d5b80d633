package amqptopo

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
)

// NamingConfig resolves the values used to name the private queue an
// Exchange's ActivateConsumer/StartConsumer transparently declares:
// "<exchange>.<appName>.<hostname>.<pid>".
type NamingConfig struct {
	AppName string `envconfig:"APPLICATIONNAME"`
}

// resolveNaming reads NamingConfig from the environment, falling back to the
// running binary's name when APPLICATIONNAME is unset.
func resolveNaming() NamingConfig {
	var cfg NamingConfig
	_ = envconfig.Process("", &cfg)
	if cfg.AppName == "" {
		cfg.AppName = binaryName()
	}
	return cfg
}

func binaryName() string {
	if len(os.Args) == 0 {
		return "app"
	}
	base := os.Args[0]
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '/' {
			return base[i+1:]
		}
	}
	return base
}

// anonymousQueueName builds the private, per-process queue name used to back
// an Exchange's transparent consumer.
func anonymousQueueName(exchangeName string, naming NamingConfig) string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s.%s.%s.%d", exchangeName, naming.AppName, hostname, os.Getpid())
}
