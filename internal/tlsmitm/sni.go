package tlsmitm

import "encoding/binary"

// extractSNI walks a TLS ClientHello record by hand to pull out the
// server_name extension, without fully parsing or validating the
// handshake. buf need only contain the leading bytes of the
// connection (a non-consuming peek is enough in practice).
func extractSNI(buf []byte) (string, bool) {
	// record: type(1) + version(2) + length(2) + handshake
	if len(buf) < 5 || buf[0] != 0x16 {
		return "", false
	}

	recordLen := int(binary.BigEndian.Uint16(buf[3:5]))
	end := min(len(buf), 5+recordLen)
	handshake := buf[5:end]

	// handshake: type(1) + length(3) + ClientHello
	if len(handshake) == 0 || handshake[0] != 0x01 {
		return "", false
	}
	hsLen := int(uint32(handshake[1])<<16 | uint32(handshake[2])<<8 | uint32(handshake[3]))
	end = min(len(handshake), 4+hsLen)
	clientHello := handshake[4:end]

	// version(2) + random(32) + session_id(1+var) + cipher_suites(2+var)
	// + compression(1+var) + extensions
	if len(clientHello) < 34 {
		return "", false
	}
	pos := 34

	if pos >= len(clientHello) {
		return "", false
	}
	sessionIDLen := int(clientHello[pos])
	pos += 1 + sessionIDLen

	if pos+2 > len(clientHello) {
		return "", false
	}
	cipherSuitesLen := int(binary.BigEndian.Uint16(clientHello[pos : pos+2]))
	pos += 2 + cipherSuitesLen

	if pos >= len(clientHello) {
		return "", false
	}
	compressionLen := int(clientHello[pos])
	pos += 1 + compressionLen

	if pos+2 > len(clientHello) {
		return "", false
	}
	extensionsLen := int(binary.BigEndian.Uint16(clientHello[pos : pos+2]))
	pos += 2

	extensionsEnd := min(len(clientHello), pos+extensionsLen)

	for pos+4 <= extensionsEnd {
		extType := binary.BigEndian.Uint16(clientHello[pos : pos+2])
		extLen := int(binary.BigEndian.Uint16(clientHello[pos+2 : pos+4]))
		pos += 4

		if extType == 0x0000 {
			// server_name_list_length(2) + name_type(1) + name_length(2) + name
			if extLen < 5 || pos+extLen > extensionsEnd {
				return "", false
			}
			nameType := clientHello[pos+2]
			if nameType != 0x00 {
				return "", false
			}
			nameLen := int(binary.BigEndian.Uint16(clientHello[pos+3 : pos+5]))
			if pos+5+nameLen > extensionsEnd {
				return "", false
			}
			return string(clientHello[pos+5 : pos+5+nameLen]), true
		}

		pos += extLen
	}

	return "", false
}
