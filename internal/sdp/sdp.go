// Package sdp parses platform INVITE offers and builds device answers for
// GB28181 media negotiation (PS over RTP, plus the y= SSRC extension line).
package sdp

import (
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"

	gosdp "github.com/panjjo/gosdp"
)

// TransportMode is the negotiated media transport.
type TransportMode int

const (
	ModeUDP TransportMode = iota
	ModeTCPPassive
	ModeTCPActive
)

func (m TransportMode) String() string {
	switch m {
	case ModeTCPPassive:
		return "tcp-passive"
	case ModeTCPActive:
		return "tcp-active"
	default:
		return "udp"
	}
}

// Offer is the subset of a platform SDP offer the device engine acts on.
type Offer struct {
	SessionName string // s= line: Play, Playback, Download
	ChannelID   string // o= username, the requested channel
	RemoteIP    string // c= address the stream goes to
	RemotePort  int    // m=video port
	Transport   TransportMode
	SSRC        string // y= line, empty when the platform sent none
	StartTime   int64  // t= line, nonzero for Playback
	EndTime     int64
}

// IsPlayback reports whether the offer requests历史流 rather than live.
func (o *Offer) IsPlayback() bool {
	return strings.EqualFold(o.SessionName, "Playback")
}

// ParseOffer decodes the SDP body of an INVITE.
func ParseOffer(body []byte) (*Offer, error) {
	offer := &Offer{}
	sawMedia := false

	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		value := line[2:]

		switch line[0] {
		case 'o':
			fields := strings.Fields(value)
			if len(fields) > 0 {
				offer.ChannelID = fields[0]
			}
		case 's':
			offer.SessionName = value
		case 'c':
			// c=IN IP4 192.168.1.10
			fields := strings.Fields(value)
			if len(fields) != 3 || net.ParseIP(fields[2]) == nil {
				return nil, fmt.Errorf("bad sdp connection line: %s", line)
			}
			offer.RemoteIP = fields[2]
		case 't':
			fields := strings.Fields(value)
			if len(fields) == 2 {
				offer.StartTime, _ = strconv.ParseInt(fields[0], 10, 64)
				offer.EndTime, _ = strconv.ParseInt(fields[1], 10, 64)
			}
		case 'm':
			// m=video 30000 RTP/AVP 96 98 97
			fields := strings.Fields(value)
			if len(fields) < 3 || fields[0] != "video" {
				continue
			}
			port, err := strconv.Atoi(fields[1])
			if err != nil || port <= 0 || port > 65535 {
				return nil, fmt.Errorf("bad sdp media port: %s", line)
			}
			offer.RemotePort = port
			if strings.Contains(fields[2], "TCP") {
				// refined below by a=setup
				offer.Transport = ModeTCPPassive
			}
			sawMedia = true
		case 'a':
			if v, ok := strings.CutPrefix(value, "setup:"); ok {
				switch strings.TrimSpace(v) {
				case "active":
					// 平台主动连接，设备侧监听
					offer.Transport = ModeTCPActive
				case "passive":
					offer.Transport = ModeTCPPassive
				}
			}
		case 'y':
			offer.SSRC = strings.TrimSpace(value)
		}
	}

	if !sawMedia {
		return nil, fmt.Errorf("sdp offer has no video media line")
	}
	if offer.RemoteIP == "" {
		return nil, fmt.Errorf("sdp offer has no connection address")
	}
	return offer, nil
}

// AnswerParams describes the device side of the negotiation.
type AnswerParams struct {
	ChannelID   string
	MediaIP     string // device address the stream is sent from
	MediaPort   int    // leased local RTP port
	SessionName string // echoed from the offer
	SSRC        string // echoed from the offer, or generated
	Transport   TransportMode
}

// BuildAnswer renders the 200 OK SDP body. The device only ever sends media,
// so the answer is sendonly with the GB28181 PS payload set.
func BuildAnswer(p AnswerParams) []byte {
	tcp := p.Transport != ModeUDP
	protocol := "RTP/AVP"
	if tcp {
		protocol = "TCP/RTP/AVP"
	}

	video := gosdp.Media{
		Description: gosdp.MediaDescription{
			Type:     "video",
			Port:     p.MediaPort,
			Formats:  []string{"96", "97", "98"},
			Protocol: protocol,
		},
	}
	video.AddAttribute("sendonly")
	if tcp {
		// 平台主动连接(setup:active)时设备侧监听，反之设备侧发起连接
		if p.Transport == ModeTCPActive {
			video.AddAttribute("setup", "passive")
		} else {
			video.AddAttribute("setup", "active")
		}
		video.AddAttribute("connection", "new")
	}
	video.AddAttribute("rtpmap", "96", "PS/90000")
	video.AddAttribute("rtpmap", "97", "MPEG4/90000")
	video.AddAttribute("rtpmap", "98", "H264/90000")

	name := p.SessionName
	if name == "" {
		name = "Play"
	}

	msg := &gosdp.Message{
		Origin: gosdp.Origin{
			Username:    p.ChannelID,
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     p.MediaIP,
		},
		Name: name,
		Connection: gosdp.ConnectionData{
			NetworkType: "IN",
			AddressType: "IP4",
			IP:          net.ParseIP(p.MediaIP),
		},
		Timing: []gosdp.Timing{{}},
		Medias: []gosdp.Media{video},
		SSRC:   p.SSRC,
	}

	return msg.Append(nil).AppendTo(nil)
}

// GenerateSSRC makes a 10-digit decimal SSRC: first digit 0 for live,
// 1 for playback, per the common GB28181 numbering convention.
func GenerateSSRC(playback bool) string {
	prefix := "0"
	if playback {
		prefix = "1"
	}
	return fmt.Sprintf("%s%09d", prefix, rand.Intn(1_000_000_000))
}
