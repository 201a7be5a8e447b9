package utils

import (
	"net/http"
	"time"
)

// HTTPClient is the shared client for every outbound HTTP call (chain RPC,
// indexer, price provider, Discord OAuth).
var HTTPClient = &http.Client{
	Timeout: 30 * time.Second,
}
