package serialshell

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"
)

// parsePositionLine converts one CSV listener line into the canonical
// 14-byte binary position record. Lines look like
//
//	POS,0,4521,1.25,0.87,0.10,92
//
// with coordinates in metres. Anything that is not a well-formed POS line
// is ignored.
func parsePositionLine(line string) ([]byte, bool) {
	if !strings.HasPrefix(line, "POS") {
		return nil, false
	}

	parts := strings.Split(line, ",")
	if len(parts) < 7 {
		return nil, false
	}

	x, err := parseMillimetres(parts[3])
	if err != nil {
		return nil, false
	}
	y, err := parseMillimetres(parts[4])
	if err != nil {
		return nil, false
	}
	z, err := parseMillimetres(parts[5])
	if err != nil {
		return nil, false
	}

	fields := strings.Fields(parts[6])
	if len(fields) == 0 {
		return nil, false
	}
	quality, err := strconv.Atoi(fields[0])
	if err != nil || quality < 0 {
		return nil, false
	}
	if quality > 100 {
		quality = 100
	}

	record := make([]byte, 14)
	record[0] = 0 // position-only type tag
	binary.LittleEndian.PutUint32(record[1:5], uint32(x))
	binary.LittleEndian.PutUint32(record[5:9], uint32(y))
	binary.LittleEndian.PutUint32(record[9:13], uint32(z))
	record[13] = byte(quality)
	return record, true
}

// parseMillimetres parses a coordinate in metres and converts it to
// millimetres.
func parseMillimetres(field string) (int32, error) {
	metres, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
	if err != nil {
		return 0, err
	}
	return int32(math.Round(metres * 1000)), nil
}
