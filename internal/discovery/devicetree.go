package discovery

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/u-root/u-root/pkg/dt"

	"dsipanel/internal/config"
)

// LoadDeviceTree reads a flattened device tree and returns one endpoint per
// node compatible with a known registration. Endpoint ids are node paths
// without the leading slash (e.g. "dsi@fd922800/panel@0"); a "link2"
// phandle is resolved to the id of the node it points at.
func LoadDeviceTree(r io.ReadSeeker) ([]config.EndpointConfig, error) {
	fdt, err := dt.ReadFDT(r)
	if err != nil {
		return nil, fmt.Errorf("discovery: read device tree: %w", err)
	}

	type match struct {
		id   string
		node *dt.Node
	}
	var (
		phandles = map[dt.PHandle]string{}
		matches  []match
	)
	var walk func(n *dt.Node, path string)
	walk = func(n *dt.Node, path string) {
		if p, ok := n.LookProperty("phandle"); ok {
			if ph, err := p.AsPHandle(); err == nil {
				phandles[ph] = path
			}
		}
		if isCompatible(n) {
			matches = append(matches, match{id: path, node: n})
		}
		for _, c := range n.Children {
			child := c.Name
			if path != "" {
				child = path + "/" + c.Name
			}
			walk(c, child)
		}
	}
	walk(fdt.RootNode, "")

	eps := make([]config.EndpointConfig, 0, len(matches))
	for _, m := range matches {
		ep := config.EndpointConfig{ID: m.id}
		if p, ok := m.node.LookProperty("link2"); ok {
			ph, err := p.AsPHandle()
			if err != nil {
				return nil, fmt.Errorf("discovery: %s: link2: %w", m.id, err)
			}
			peer, ok := phandles[ph]
			if !ok {
				return nil, fmt.Errorf("discovery: %s: link2 phandle %#x: %w", m.id, uint32(ph), ErrNotFound)
			}
			ep.Link2 = peer
		}
		if p, ok := m.node.LookProperty("reg"); ok {
			if vc, err := p.AsU32(); err == nil && vc <= 3 {
				ep.VirtualChannel = uint8(vc)
			}
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// LoadDeviceTreeFile is LoadDeviceTree on a file path.
func LoadDeviceTreeFile(path string) ([]config.EndpointConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("discovery: open device tree: %w", err)
	}
	defer f.Close()
	return LoadDeviceTree(f)
}

// isCompatible checks every entry of the node's compatible string list.
func isCompatible(n *dt.Node) bool {
	p, ok := n.LookProperty("compatible")
	if !ok {
		return false
	}
	for _, s := range strings.Split(strings.TrimRight(string(p.Value), "\x00"), "\x00") {
		if _, ok := Lookup(s); ok {
			return true
		}
	}
	return false
}

// MergeEndpoints overlays device tree endpoints on configured ones. The
// device tree decides the link2 topology; configured device paths are
// kept. Endpoints only the device tree knows about are appended.
func MergeEndpoints(configured, fromTree []config.EndpointConfig) []config.EndpointConfig {
	out := make([]config.EndpointConfig, len(configured))
	copy(out, configured)

	index := make(map[string]int, len(out))
	for i, ep := range out {
		index[ep.ID] = i
	}
	for _, ep := range fromTree {
		if i, ok := index[ep.ID]; ok {
			out[i].Link2 = ep.Link2
			if out[i].VirtualChannel == 0 {
				out[i].VirtualChannel = ep.VirtualChannel
			}
			continue
		}
		index[ep.ID] = len(out)
		out = append(out, ep)
	}
	return out
}
