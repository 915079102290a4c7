// Package discovery carries the primary advertising channel over mDNS: each
// started advertising set is published as a service instance whose name
// encodes the advertiser, its SID and its periodic interval.
package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/betamos/zeroconf"

	"github.com/SWAI-Ltd/advchain/internal/identity"
)

const (
	ServiceType = "_advchain._udp"
	Domain      = "local."

	instancePrefix = "adv"
)

var ErrBadInstance = errors.New("discovery: malformed instance name")

// Advert is one advertiser announcement.
type Advert struct {
	Addr     identity.Identity
	SID      uint8
	Interval uint16
	// Host is the announcing host:port, empty on the publishing side.
	Host string
}

// InstanceName encodes a as "adv-<type>-<addr hex>-<sid>-<interval hex>".
func InstanceName(a Advert) string {
	t := "p"
	if a.Addr.Type == identity.TypeRandom {
		t = "r"
	}
	return fmt.Sprintf("%s-%s-%X-%d-%04X", instancePrefix, t, a.Addr.Addr[:], a.SID, a.Interval)
}

// ParseInstanceName reverses InstanceName.
func ParseInstanceName(name string) (Advert, error) {
	parts := strings.Split(name, "-")
	if len(parts) != 5 || parts[0] != instancePrefix {
		return Advert{}, fmt.Errorf("%w: %q", ErrBadInstance, name)
	}
	var a Advert
	switch parts[1] {
	case "p":
		a.Addr.Type = identity.TypePublic
	case "r":
		a.Addr.Type = identity.TypeRandom
	default:
		return Advert{}, fmt.Errorf("%w: address type %q", ErrBadInstance, parts[1])
	}
	if len(parts[2]) != 2*identity.Size {
		return Advert{}, fmt.Errorf("%w: address %q", ErrBadInstance, parts[2])
	}
	for i := 0; i < identity.Size; i++ {
		b, err := strconv.ParseUint(parts[2][2*i:2*i+2], 16, 8)
		if err != nil {
			return Advert{}, fmt.Errorf("%w: address %q", ErrBadInstance, parts[2])
		}
		a.Addr.Addr[i] = byte(b)
	}
	sid, err := strconv.ParseUint(parts[3], 10, 8)
	if err != nil {
		return Advert{}, fmt.Errorf("%w: sid %q", ErrBadInstance, parts[3])
	}
	a.SID = uint8(sid)
	iv, err := strconv.ParseUint(parts[4], 16, 16)
	if err != nil {
		return Advert{}, fmt.Errorf("%w: interval %q", ErrBadInstance, parts[4])
	}
	a.Interval = uint16(iv)
	if err := a.Addr.Validate(); err != nil {
		return Advert{}, fmt.Errorf("%w: %v", ErrBadInstance, err)
	}
	return a, nil
}

// Publisher keeps one advert on the network until closed.
type Publisher struct {
	client *zeroconf.Client
}

// Publish announces a on port.
func Publish(a Advert, port int) (*Publisher, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("discovery: port %d out of range", port)
	}
	svc := zeroconf.NewService(zeroconf.NewType(ServiceType), InstanceName(a), uint16(port))
	client, err := zeroconf.New().Publish(svc).Open()
	if err != nil {
		return nil, fmt.Errorf("zeroconf: %w", err)
	}
	return &Publisher{client: client}, nil
}

func (p *Publisher) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

// Browser reports adverts seen on the network. Instances that do not decode
// as adverts are skipped.
type Browser struct {
	client *zeroconf.Client
}

// Browse calls onAdvert from the zeroconf goroutine for every advert event.
func Browse(onAdvert func(Advert)) (*Browser, error) {
	client, err := zeroconf.New().
		Browse(func(e zeroconf.Event) {
			handleEvent(e, onAdvert)
		}, zeroconf.NewType(ServiceType)).
		Open()
	if err != nil {
		return nil, fmt.Errorf("zeroconf: %w", err)
	}
	return &Browser{client: client}, nil
}

func handleEvent(e zeroconf.Event, onAdvert func(Advert)) {
	a, err := ParseInstanceName(e.Name)
	if err != nil || onAdvert == nil {
		return
	}
	for _, ip := range e.Addrs {
		if ip.IsValid() && ip.Is4() {
			a.Host = net.JoinHostPort(ip.String(), strconv.Itoa(int(e.Port)))
			break
		}
	}
	onAdvert(a)
}

func (b *Browser) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}
