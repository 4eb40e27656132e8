// Package discovery advertises and resolves the master over mDNS, and
// implements the Discovery capability the worker agent's bootstrap uses to
// find a master base URL without static configuration.
//
// Service types follow the dispatcher design: the master advertises
// "_ffarm-master._tcp" with TXT properties id/name/base_url; workers
// advertise "_ffarm._tcp" presence-only (port 0, empty base_url) so a
// future desktop UI can enumerate live workers without connecting inbound.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

const (
	masterServiceType = "_ffarm-master._tcp"
	workerServiceType = "_ffarm._tcp"
)

// MasterInfo is advertised by the master and resolved by workers.
type MasterInfo struct {
	ID      string
	Name    string
	BaseURL string
}

// AdvertiseMaster registers the master's mDNS service and returns a
// shutdown func. port is the HTTP listen port; host, if empty, lets mdns
// infer the advertised IPs from local interfaces.
func AdvertiseMaster(info MasterInfo, host string, port int) (func() error, error) {
	txt := []string{
		"id=" + info.ID,
		"name=" + info.Name,
		"base_url=" + info.BaseURL,
	}
	svc, err := mdns.NewMDNSService(info.ID, masterServiceType, "", host, port, nil, txt)
	if err != nil {
		return nil, fmt.Errorf("discovery: build master service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return nil, fmt.Errorf("discovery: start master server: %w", err)
	}
	return server.Shutdown, nil
}

// AdvertiseWorker registers a presence-only worker service: port 0, no
// base_url, per spec — workers are outbound-only and should never be
// dialed from an mDNS record.
func AdvertiseWorker(id, name string) (func() error, error) {
	svc, err := mdns.NewMDNSService(id, workerServiceType, "", "", 0, nil, []string{"id=" + id, "name=" + name})
	if err != nil {
		return nil, fmt.Errorf("discovery: build worker service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return nil, fmt.Errorf("discovery: start worker server: %w", err)
	}
	return server.Shutdown, nil
}

// FindMaster browses for "_ffarm-master._tcp" and returns the first
// responder's base URL, or an error if none answers before ctx is done.
// The worker's bootstrap uses this only after explicit flag/env overrides
// have been checked, and never blocks indefinitely.
func FindMaster(ctx context.Context) (string, error) {
	entries := make(chan *mdns.ServiceEntry, 8)
	result := make(chan string, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for e := range entries {
			if url := baseURLFromEntry(e); url != "" {
				select {
				case result <- url:
				default:
				}
				return
			}
		}
	}()

	params := mdns.DefaultParams(masterServiceType)
	params.Entries = entries
	if deadline, ok := ctx.Deadline(); ok {
		params.Timeout = time.Until(deadline)
	}

	err := mdns.Query(params)
	close(entries)
	<-done
	if err != nil {
		return "", fmt.Errorf("discovery: query failed: %w", err)
	}

	select {
	case url := <-result:
		return url, nil
	default:
		return "", fmt.Errorf("discovery: no master found")
	}
}

func baseURLFromEntry(e *mdns.ServiceEntry) string {
	for _, field := range e.InfoFields {
		if strings.HasPrefix(field, "base_url=") {
			return strings.TrimPrefix(field, "base_url=")
		}
	}
	return ""
}
