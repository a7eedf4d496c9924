package signaling

import (
	"fmt"
	"strconv"
	"time"

	sdp "github.com/pion/sdp/v3"
)

// G.711 payload types plus RFC 4733 telephone events.
const (
	payloadPCMU           = 0
	payloadPCMA           = 8
	payloadTelephoneEvent = 101
)

// buildOffer describes the media endpoint the external media relay exposes at
// host:port. The core never touches RTP itself.
func buildOffer(host string, port int) ([]byte, error) {
	sd := baseDescription(host)
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	md = md.WithCodec(payloadPCMU, "PCMU", 8000, 0, "")
	md = md.WithCodec(payloadPCMA, "PCMA", 8000, 0, "")
	md = md.WithCodec(payloadTelephoneEvent, "telephone-event", 8000, 0, "0-16")
	md = md.WithPropertyAttribute("sendrecv")
	sd.MediaDescriptions = []*sdp.MediaDescription{md}
	return sd.Marshal()
}

// buildAnswer picks the first G.711 codec the offer supports, preferring PCMU.
// It returns the answer body and the chosen codec name.
func buildAnswer(offer []byte, host string, port int) ([]byte, string, error) {
	codec := "PCMU"
	if len(offer) > 0 {
		pcmu, pcma, err := offeredCodecs(offer)
		if err != nil {
			return nil, "", err
		}
		switch {
		case pcmu:
		case pcma:
			codec = "PCMA"
		default:
			return nil, "", fmt.Errorf("offer has no supported audio codec")
		}
	}

	pt := uint8(payloadPCMU)
	if codec == "PCMA" {
		pt = payloadPCMA
	}

	sd := baseDescription(host)
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	md = md.WithCodec(pt, codec, 8000, 0, "")
	md = md.WithPropertyAttribute("sendrecv")
	sd.MediaDescriptions = []*sdp.MediaDescription{md}

	body, err := sd.Marshal()
	if err != nil {
		return nil, "", err
	}
	return body, codec, nil
}

func offeredCodecs(offer []byte) (pcmu, pcma bool, err error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(offer); err != nil {
		return false, false, fmt.Errorf("parse sdp offer: %w", err)
	}
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		for _, format := range md.MediaName.Formats {
			n, err := strconv.Atoi(format)
			if err != nil || n < 0 || n > 127 {
				continue
			}
			switch n {
			case payloadPCMU:
				pcmu = true
				continue
			case payloadPCMA:
				pcma = true
				continue
			}
			c, err := sd.GetCodecForPayloadType(uint8(n))
			if err != nil || c.ClockRate != 8000 {
				continue
			}
			switch c.Name {
			case "PCMU":
				pcmu = true
			case "PCMA":
				pcma = true
			}
		}
	}
	return pcmu, pcma, nil
}

func baseDescription(host string) *sdp.SessionDescription {
	id := uint64(time.Now().Unix())
	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      id,
			SessionVersion: id,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "vai-callcenter",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
	}
}
