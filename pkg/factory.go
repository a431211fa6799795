package pkg

import (
	"github.com/ekinhbayar/http-server/pkg/driver"
	"github.com/ekinhbayar/http-server/pkg/http1"
	"github.com/ekinhbayar/http-server/pkg/http2"
)

// A DriverFactory picks the protocol engine for each connection.
type DriverFactory interface {
	// OnStart captures the collaborators shared by every engine. It is
	// called once, before the first connection is served.
	OnStart(cfg driver.Config)
	SelectDriver(conn *driver.Connection) driver.HttpDriver
	// ApplicationLayerProtocols lists the ALPN identifiers to announce,
	// most preferred first.
	ApplicationLayerProtocols() []string
}

// DefaultDriverFactory serves HTTP/2 on encrypted connections that
// negotiated "h2" and HTTP/1.x everywhere else.
type DefaultDriverFactory struct {
	cfg driver.Config
}

// OnStart implements DriverFactory.
func (f *DefaultDriverFactory) OnStart(cfg driver.Config) {
	f.cfg = cfg.WithDefaults()
}

// SelectDriver implements DriverFactory.
func (f *DefaultDriverFactory) SelectDriver(conn *driver.Connection) driver.HttpDriver {
	cfg := f.cfg.WithDefaults()

	if conn.IsEncrypted() && conn.NegotiatedProtocol() == "h2" {
		return http2.New(cfg)
	}

	var upgrade http1.UpgradeFunc
	if cfg.Options.IsHTTP2UpgradeAllowed() {
		upgrade = func() driver.HttpDriver { return http2.New(cfg) }
	}

	return http1.New(cfg, upgrade)
}

// ApplicationLayerProtocols implements DriverFactory.
func (f *DefaultDriverFactory) ApplicationLayerProtocols() []string {
	return []string{"h2", "http1.1"}
}
