package backend

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Select picks the adapter variant for a backend URL. force overrides
// detection when set to a concrete adapter name; "auto" or empty runs
// the ordered URL rules. Rule order matters: azure hosts also contain
// "openai", and bedrock hosts contain "amazonaws.com".
func Select(cfg Config, force string, client *http.Client, logger *zap.Logger) Adapter {
	switch force {
	case "lightllm":
		return NewLightLLM(cfg, client, logger)
	case "openai":
		return NewOpenAI(cfg, client, logger)
	}

	url := cfg.BaseURL
	switch {
	case strings.Contains(url, "azure.com") || strings.Contains(url, "azure.openai"):
		return NewAzure(cfg, client, logger)
	case strings.Contains(url, "bedrock") || strings.Contains(url, "amazonaws.com"):
		return NewBedrock(cfg)
	case strings.Contains(url, "vllm"):
		return NewVLLM(cfg, client, logger)
	case strings.Contains(url, "/v1") || strings.Contains(url, "openai.com"):
		return NewOpenAI(cfg, client, logger)
	case url == "direct":
		return NewDirect(cfg, logger)
	case strings.Contains(url, "lightllm") || strings.Contains(url, "localhost"):
		return NewLightLLM(cfg, client, logger)
	default:
		return NewCustom(cfg, client, logger)
	}
}
