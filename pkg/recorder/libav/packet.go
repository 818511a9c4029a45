package libav

import (
	"github.com/asticode/go-astiav"

	"github.com/xaionaro-go/streamrecorder/pkg/recorder"
)

// PacketRef is the Raw attachment the Source puts on every DataUnit so
// that the Muxer can remux the original packet instead of re-parsing
// payload bytes. Whoever consumes the unit releases the packet clone:
// the Muxer on write, the engine on any drop path.
type PacketRef struct {
	Packet  *astiav.Packet
	Stream  *astiav.Stream
	Streams []*astiav.Stream
}

var _ recorder.Releaser = (*PacketRef)(nil)

// Release frees the cloned packet. Safe to call more than once.
func (r *PacketRef) Release() {
	if r.Packet == nil {
		return
	}
	r.Packet.Free()
	r.Packet = nil
}

func clonePacketWritable(src *astiav.Packet) (*astiav.Packet, error) {
	dst := astiav.AllocPacket()
	dst.Ref(src)
	if err := dst.MakeWritable(); err != nil {
		dst.Free()
		return nil, err
	}
	return dst, nil
}
