package directory

import (
	"net/http"
	"time"

	"github.com/pingsantohq/hostsync/internal/certs"
)

const defaultHTTPTimeout = 10 * time.Second

// NewHTTPClient returns the client used to talk to serverURL, with TLS
// material from files when any is configured.
func NewHTTPClient(serverURL string, files certs.Files) (*http.Client, error) {
	client := &http.Client{Timeout: defaultHTTPTimeout}
	if files.Empty() {
		return client, nil
	}
	serverName, err := certs.ServerNameFromURL(serverURL)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := certs.LoadClientTLSConfig(files, serverName)
	if err != nil {
		return nil, err
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig
	client.Transport = transport
	return client, nil
}
