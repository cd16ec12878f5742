package transport

import "encoding/binary"

// TagSize is the fixed width of the null-padded UTF-8 filesystem tag in the
// virtio-fs PCI device-config layout.
const TagSize = 36

// DeviceConfigSize is the wire size of DeviceConfig: tag + num_request_queues.
const DeviceConfigSize = TagSize + 4

// DeviceConfig is the virtio-fs device's config-space layout (modern device
// id 0x105A): a null-padded UTF-8 tag followed by a little-endian request
// queue count. Parsed field-by-field, no unsafe casts.
type DeviceConfig struct {
	Tag              string
	NumRequestQueues uint32
}

// DecodeDeviceConfig parses a DeviceConfig from device config-space bytes.
func DecodeDeviceConfig(data []byte) (DeviceConfig, bool) {
	if len(data) < DeviceConfigSize {
		return DeviceConfig{}, false
	}

	tagBytes := data[:TagSize]
	end := TagSize
	for i, b := range tagBytes {
		if b == 0 {
			end = i
			break
		}
	}

	return DeviceConfig{
		Tag:              string(tagBytes[:end]),
		NumRequestQueues: binary.LittleEndian.Uint32(data[TagSize : TagSize+4]),
	}, true
}

// EncodeDeviceConfig serializes a DeviceConfig, used by transport test
// doubles that simulate the device's config space.
func EncodeDeviceConfig(cfg DeviceConfig) []byte {
	buf := make([]byte, DeviceConfigSize)
	copy(buf[:TagSize], cfg.Tag)
	binary.LittleEndian.PutUint32(buf[TagSize:TagSize+4], cfg.NumRequestQueues)
	return buf
}
