package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	TraceExporterNone     = "none"
	TraceExporterStdout   = "stdout"
	TraceExporterOTLP     = "otlp"
	TraceExporterOTLPHTTP = "otlphttp"

	TraceSamplerAlways = "always"
	TraceSamplerNever  = "never"
	TraceSamplerRatio  = "ratio"
)

// TracingConfig selects the OpenTelemetry exporter shared by the server
// and the executor.
type TracingConfig struct {
	Exporter string `yaml:"exporter"` // none|stdout|otlp|otlphttp
	// Endpoint is host:port for otlp and a URL for otlphttp.
	Endpoint    string            `yaml:"endpoint"`
	Headers     map[string]string `yaml:"headers"`
	Insecure    bool              `yaml:"insecure"`
	Sampler     string            `yaml:"sampler"` // always|never|ratio
	SampleRatio float64           `yaml:"sample_ratio"`
	Environment string            `yaml:"environment"`
}

func DefaultTracing() TracingConfig {
	return TracingConfig{
		Exporter:    TraceExporterNone,
		Insecure:    true,
		Sampler:     TraceSamplerAlways,
		SampleRatio: 1,
	}
}

// TracingFromEnv is the tracing section for processes that are configured
// through STAPI_* variables only.
func TracingFromEnv() (TracingConfig, error) {
	cfg := DefaultTracing()
	if err := cfg.applyEnv(); err != nil {
		return TracingConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return TracingConfig{}, err
	}
	return cfg, nil
}

func (t TracingConfig) Disabled() bool {
	return t.Exporter == "" || t.Exporter == TraceExporterNone
}

func (t TracingConfig) EndpointOrDefault() string {
	if t.Endpoint != "" {
		return t.Endpoint
	}
	if t.Exporter == TraceExporterOTLPHTTP {
		return "http://localhost:4318"
	}
	return "localhost:4317"
}

func (t *TracingConfig) applyEnv() error {
	var errs []error
	envString(&t.Exporter, "STAPI_OTEL_EXPORTER")
	t.Exporter = strings.ToLower(t.Exporter)
	envString(&t.Endpoint, "STAPI_OTEL_ENDPOINT")
	if raw := strings.TrimSpace(os.Getenv("STAPI_OTEL_HEADERS")); raw != "" {
		headers, err := ParseHeaders(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("STAPI_OTEL_HEADERS: %w", err))
		} else {
			t.Headers = headers
		}
	}
	errs = append(errs, envBool(&t.Insecure, "STAPI_OTEL_INSECURE"))
	envString(&t.Sampler, "STAPI_OTEL_SAMPLER")
	t.Sampler = strings.ToLower(t.Sampler)
	errs = append(errs, envFloat(&t.SampleRatio, "STAPI_OTEL_SAMPLE_RATIO"))
	envString(&t.Environment, "STAPI_ENVIRONMENT")
	return errors.Join(errs...)
}

func (t TracingConfig) Validate() error {
	var errs []error
	switch t.Exporter {
	case "", TraceExporterNone, TraceExporterStdout, TraceExporterOTLP:
	case TraceExporterOTLPHTTP:
		if t.Endpoint != "" && !strings.HasPrefix(t.Endpoint, "http://") && !strings.HasPrefix(t.Endpoint, "https://") {
			errs = append(errs, fmt.Errorf("otlphttp endpoint must be an http(s) URL, got %q", t.Endpoint))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported tracing exporter %q", t.Exporter))
	}
	switch t.Sampler {
	case "", TraceSamplerAlways, TraceSamplerNever:
	case TraceSamplerRatio:
		if t.SampleRatio < 0 || t.SampleRatio > 1 {
			errs = append(errs, fmt.Errorf("tracing sample ratio must be within [0, 1], got %g", t.SampleRatio))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported tracing sampler %q", t.Sampler))
	}
	for k := range t.Headers {
		if strings.TrimSpace(k) == "" {
			errs = append(errs, errors.New("tracing header names must not be empty"))
			break
		}
	}
	return errors.Join(errs...)
}

// ParseHeaders reads a comma separated list of key=value pairs.
func ParseHeaders(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("malformed header %q, want key=value", pair)
		}
		out[k] = v
	}
	return out, nil
}
