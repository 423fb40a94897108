package ingest

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/stretchr/testify/require"

	"github.com/cyclonedds-go/ddscore/arena"
	"github.com/cyclonedds-go/ddscore/defrag"
	"github.com/cyclonedds-go/ddscore/dqueue"
	"github.com/cyclonedds-go/ddscore/pipeline"
	"github.com/cyclonedds-go/ddscore/reorder"
	"github.com/cyclonedds-go/ddscore/rhc"
)

func writeUDPPacket(t *testing.T, w *pcapgo.Writer, payload []byte) {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC: net.HardwareAddr{0x02, 0, 0, 0, 0, 1}, DstMAC: net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip4 := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: net.IPv4(127, 0, 0, 1), DstIP: net.IPv4(127, 0, 0, 1),
	}
	udp := &layers.UDP{SrcPort: 7400, DstPort: 7401}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip4))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip4, udp, gopacket.Payload(payload)))

	require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     time.Unix(0, 0),
		CaptureLength: len(buf.Bytes()),
		Length:        len(buf.Bytes()),
	}, buf.Bytes()))
}

func TestSourceRunDeliversUDPPayloads(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "capture-*.pcap")
	require.NoError(t, err)
	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	writeUDPPacket(t, w, []byte("hello"))
	writeUDPPacket(t, w, []byte("world!"))
	require.NoError(t, f.Close())

	src, err := OpenPcap(f.Name())
	require.NoError(t, err)
	defer src.Close()

	owner := arena.NewOwnerToken()
	pool := arena.NewPool(owner, 1<<16, 4096)
	pw := pipeline.NewProxyWriter(1, defrag.DropOldest, 16, reorder.Normal, 16, false)
	cache := rhc.NewRing(64)

	p := pipeline.NewPipe(pw, nil, cache)
	dq := dqueue.New("ingest-test", 64, p.Handler())
	p.SetDqueue(dq)
	dq.Start()
	defer dq.Free()

	require.NoError(t, src.Run(context.Background(), pool, owner, p))
	require.Eventually(t, func() bool { return cache.Len() == 2 }, time.Second, time.Millisecond)
}
