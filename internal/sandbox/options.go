package sandbox

import (
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/JonMunkholm/sheetnorm/internal/config"
	"github.com/JonMunkholm/sheetnorm/internal/ruleworker"
)

// Network isolation modes.
const (
	// NetIsolationAuto uses a private network namespace when the kernel
	// allows unprivileged user namespaces and falls back to env otherwise.
	NetIsolationAuto = "auto"
	// NetIsolationNamespace requires a private network namespace.
	NetIsolationNamespace = "namespace"
	// NetIsolationEnv only strips proxy settings from the environment.
	NetIsolationEnv = "env"
)

// Options configure the invokers of one run.
type Options struct {
	CallTimeout    time.Duration
	StartTimeout   time.Duration
	MemoryLimitMB  int
	AllowNet       bool
	NetIsolation   string
	PassEnv        []string
	StderrLimit    int
	RuntimeCommand string
	RuntimeEnv     map[string]string
	// Dir is the prepared snapshot directory; workers run inside it.
	Dir    string
	Logger *slog.Logger
}

// OptionsFromConfig returns the process-wide defaults. Per-run values such as
// Dir, AllowNet and the runtime command are filled in by the caller.
func OptionsFromConfig(cfg config.SandboxConfig) Options {
	return Options{
		CallTimeout:   cfg.CallTimeout,
		StartTimeout:  cfg.StartTimeout,
		MemoryLimitMB: cfg.MemoryLimitMB,
		NetIsolation:  cfg.NetIsolation,
		PassEnv:       cfg.PassEnv,
		StderrLimit:   cfg.StderrLimit,
	}
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// baseEnv is the host environment every worker may see.
var baseEnv = []string{"PATH", "LANG", "LC_ALL", "LC_CTYPE", "TZ"}

var proxyVars = map[string]bool{
	"HTTP_PROXY": true, "HTTPS_PROXY": true, "ALL_PROXY": true, "NO_PROXY": true, "FTP_PROXY": true,
}

// buildEnv returns the allowlisted worker environment, sorted.
// The host environment is never inherited wholesale.
func buildEnv(opts Options, home string) []string {
	env := make(map[string]string)
	for _, key := range append(append([]string{}, baseEnv...), opts.PassEnv...) {
		key = strings.TrimSpace(key)
		if v, ok := os.LookupEnv(key); ok && key != "" {
			env[key] = v
		}
	}
	for k, v := range opts.RuntimeEnv {
		env[k] = v
	}
	if !opts.AllowNet {
		for k := range env {
			if proxyVars[strings.ToUpper(k)] {
				delete(env, k)
			}
		}
	}

	env["HOME"] = home
	env["TMPDIR"] = home
	env["SHEETNORM_PROTOCOL"] = ruleworker.Protocol
	if opts.AllowNet {
		env["SHEETNORM_ALLOW_NET"] = "1"
	} else {
		env["SHEETNORM_ALLOW_NET"] = "0"
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
