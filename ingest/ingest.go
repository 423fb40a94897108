// Package ingest is a pcap-driven front end for the receive pipeline: it
// reads UDP datagrams from a capture file (there is no live capture), copies each
// payload into an arena-allocated rdata, and hands it to a pipeline.Pipe
// as a single-fragment sample.
//
// This is deliberately NOT an RTPS wire-format parser (submessage
// decoding belongs to the layer above), so every packet here is treated
// as exactly one complete, unfragmented sample keyed by a synthetic,
// monotonically increasing sequence number. Its purpose is to give the
// defrag/reorder/dqueue/rhc pipeline a real, non-synthetic source of
// traffic for demos and soak tests.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package ingest

import (
	"context"
	"io"
	"os"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"github.com/cyclonedds-go/ddscore/arena"
	"github.com/cyclonedds-go/ddscore/cmn/nlog"
	"github.com/cyclonedds-go/ddscore/defrag"
	"github.com/cyclonedds-go/ddscore/pipeline"
)

// Source reads raw packets from a pcap capture, oldest first.
type Source struct {
	r    *pcapgo.Reader
	f    *os.File
	next uint64 // next synthetic sequence number to assign

	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType

	eth  layers.Ethernet
	ip4  layers.IPv4
	udp  layers.UDP
}

// OpenPcap opens a classic (not pcapng) capture file for sequential read.
func OpenPcap(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	s := &Source{r: r, f: f, next: 1}
	s.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet, &s.eth, &s.ip4, &s.udp,
	)
	s.parser.IgnoreUnsupported = true
	s.decoded = make([]gopacket.LayerType, 0, 4)
	return s, nil
}

// Close releases the underlying capture file.
func (s *Source) Close() error { return s.f.Close() }

// Run decodes UDP payloads off the capture and feeds each one into pipe
// as a single-fragment sample, until the capture is exhausted, ctx is
// canceled, or a read error other than io.EOF occurs.
func (s *Source) Run(ctx context.Context, pool *arena.Pool, owner *arena.OwnerToken, pipe *pipeline.Pipe) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		data, _, err := s.r.ReadPacketData()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		if err := s.parser.DecodeLayers(data, &s.decoded); err != nil {
			// not a decodable Ethernet/IPv4/UDP frame; skip it rather than
			// aborting the whole capture.
			if nlog.Rom.FastV(5, "ingest") {
				nlog.Infoln("ingest: skipping undecodable packet:", err)
			}
			continue
		}
		if !hasLayer(s.decoded, layers.LayerTypeUDP) {
			continue
		}
		payload := s.udp.Payload
		if len(payload) == 0 {
			continue
		}
		s.deliver(pool, owner, pipe, payload)
	}
}

func hasLayer(decoded []gopacket.LayerType, want gopacket.LayerType) bool {
	for _, lt := range decoded {
		if lt == want {
			return true
		}
	}
	return false
}

func (s *Source) deliver(pool *arena.Pool, owner *arena.OwnerToken, pipe *pipeline.Pipe, payload []byte) {
	seq := s.next
	s.next++

	m := pool.NewRmsg(owner)
	buf := m.Alloc(len(payload))
	copy(buf, payload)
	rd := arena.NewRdata(m, 0, 0, 0, 0, uint32(len(payload)))
	m.SetSize(len(payload))
	m.Commit()

	pipe.OnData(rd, defrag.SampleInfo{Seq: seq, Size: uint32(len(payload))})
}
