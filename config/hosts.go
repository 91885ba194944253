package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sagernet/rsocket-go/tcplb"
)

// HostListFile is the on-disk shape consumed by LoadHostList:
//
//	hosts:
//	  - host: 10.0.0.1
//	    port: "7878"
//	  - host: 10.0.0.2
//	    port: "7878"
type HostListFile struct {
	Hosts []HostEntry `yaml:"hosts"`
}

// HostEntry is one discovered endpoint.
type HostEntry struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
}

// LoadHostList reads and parses a host-list YAML file into the []tcplb.Host
// shape consumed by tcplb.New / TcpLoadBalancer.UpdateHosts.
func LoadHostList(path string) ([]tcplb.Host, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading host list: %w", err)
	}

	var f HostListFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing host list: %w", err)
	}

	hosts := make([]tcplb.Host, 0, len(f.Hosts))
	for _, e := range f.Hosts {
		if e.Host == "" {
			return nil, fmt.Errorf("host list entry missing host field")
		}
		if e.Port == "" {
			return nil, fmt.Errorf("host list entry %q missing port field", e.Host)
		}
		hosts = append(hosts, tcplb.Host{Host: e.Host, Port: e.Port})
	}
	return hosts, nil
}
