package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/salutego/salute/common"
	"github.com/salutego/salute/db"
	"github.com/salutego/salute/dnssd"
)

var (
	version  = "unreleased"
	logLevel string
	httpAddr string
	dbPath   string
	iface    string
	ipv6     bool
	ttl      int
	publish  []string
)

var Log = common.Log

func handleError(err error) { common.CheckFatal(err) }

// salutedServer ties the registry to the signal handler loop.
type salutedServer struct {
	registry *dnssd.Registry
}

func (s *salutedServer) Status() string {
	services := s.registry.Published()
	status := fmt.Sprintf("saluted %s, %d published service(s)", version, len(services))
	for _, svc := range services {
		status += fmt.Sprintf("\n  %s port %d", svc.FQDN, svc.Port)
	}
	return status
}

func (s *salutedServer) Stop() error {
	return s.registry.Destroy()
}

func root(cmd *cobra.Command, args []string) {
	handleError(common.SetLogLevel(logLevel))
	Log.Println("saluted", version)

	multicast := dnssd.MulticastConfig{IPv6: ipv6}
	if iface != "" {
		ifi, err := net.InterfaceByName(iface)
		if err != nil {
			Log.Fatalf("unknown interface %q: %s", iface, err)
		}
		multicast.Interfaces = []net.Interface{*ifi}
	}
	registry := dnssd.New(dnssd.RegistryConfig{
		Multicast: multicast,
		TTL:       uint32(ttl),
	})

	var store db.DB
	if dbPath != "" {
		boltDB, err := db.NewBoltDB(dbPath)
		handleError(err)
		defer func() { common.CheckWarn(boltDB.Close()) }()
		store = boltDB
	}

	for _, raw := range publish {
		var cfg dnssd.Config
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			Log.Fatalf("unable to parse service config %q: %s", raw, err)
		}
		publishService(registry, store, cfg)
	}
	if store != nil {
		republishStored(registry, store)
	}

	if httpAddr != "" {
		muxRouter := mux.NewRouter()
		registry.HandleHTTP(muxRouter)
		muxRouter.Handle("/metrics", promhttp.Handler())
		http.Handle("/", muxRouter)
		go func() {
			Log.Infof("Listening for HTTP control messages on %s", httpAddr)
			Log.Fatal(http.ListenAndServe(httpAddr, nil))
		}()
	}

	common.SignalHandlerLoop(&salutedServer{registry: registry})
}

// publishService advertises one service and records its config so a
// restarted daemon picks it up again.
func publishService(registry *dnssd.Registry, store db.DB, cfg dnssd.Config) {
	handle, err := registry.Publish(cfg)
	if err != nil {
		Log.Errorf("unable to publish %q: %s", cfg.Name, err)
		return
	}
	svc := handle.Service()
	Log.Infof("publishing %s", svc.FQDN)
	if store != nil {
		if err := store.Save(svc.FQDN, cfg); err != nil {
			Log.Warnf("unable to persist %s: %s", svc.FQDN, err)
		}
	}
	go func() {
		for e := range handle.Events() {
			switch e.Kind {
			case dnssd.EventUp:
				Log.Infof("service up: %s", e.Service.FQDN)
			case dnssd.EventError:
				Log.Errorf("service %q failed: %s", cfg.Name, e.Err)
			}
		}
	}()
}

// republishStored brings back services persisted by a previous run,
// skipping any that this invocation already published.
func republishStored(registry *dnssd.Registry, store db.DB) {
	current := make(map[string]struct{})
	for _, svc := range registry.Published() {
		current[svc.FQDN] = struct{}{}
	}
	var unreadable []string
	err := store.ForEach(func(ident string, load func(interface{}) error) error {
		if _, found := current[ident]; found {
			return nil
		}
		var cfg dnssd.Config
		if err := load(&cfg); err != nil {
			Log.Warnf("dropping unreadable persisted service %q: %s", ident, err)
			unreadable = append(unreadable, ident)
			return nil
		}
		Log.Infof("re-publishing persisted service %s", ident)
		publishService(registry, nil, cfg)
		return nil
	})
	if err != nil {
		Log.Warnf("unable to read persisted services: %s", err)
	}
	for _, ident := range unreadable {
		if err := store.Delete(ident); err != nil {
			Log.Warnf("unable to drop %q: %s", ident, err)
		}
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:     "saluted",
		Short:   "mDNS-SD service advertisement daemon",
		Version: version,
		Run:     root}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "logging level (debug, info, warning, error)")
	rootCmd.PersistentFlags().StringVar(&httpAddr, "http-addr", "127.0.0.1:6820", "address to bind the HTTP admin interface to (disabled if blank)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db-path", "", "path of the persistence file; published services survive restarts (disabled if blank)")
	rootCmd.PersistentFlags().StringVar(&iface, "iface", "", "restrict multicast to the named interface (all multicast-capable interfaces if blank)")
	rootCmd.PersistentFlags().BoolVar(&ipv6, "ipv6", true, "also listen and send on IPv6 multicast")
	rootCmd.PersistentFlags().IntVar(&ttl, "ttl", dnssd.DefaultTTL, "record TTL in seconds for published services")
	rootCmd.PersistentFlags().StringArrayVar(&publish, "publish", nil, "publish a service, given as JSON (repeatable)")

	handleError(rootCmd.Execute())
}
