package logcollection

import "fmt"

// LogField is a structured field attached to every line collected from a unit
type LogField struct {
	Key   string
	Value interface{}
}

func String(key, value string) LogField {
	return LogField{Key: key, Value: value}
}

func Int(key string, value int) LogField {
	return LogField{Key: key, Value: value}
}

func Int64(key string, value int64) LogField {
	return LogField{Key: key, Value: value}
}

// Unit identity fields

func UnitID(id string) LogField {
	return String("unit_id", id)
}

func Lineage(lineage string) LogField {
	return String("lineage", lineage)
}

func Version(version string) LogField {
	return String("version", version)
}

func PID(pid int) LogField {
	return Int("pid", pid)
}

func Stream(stream StreamType) LogField {
	return String("stream", string(stream))
}

func (f LogField) String() string {
	return fmt.Sprintf("%s: %v", f.Key, f.Value)
}

// ToMap converts fields to a map, later keys win
func ToMap(fields []LogField) map[string]interface{} {
	m := make(map[string]interface{}, len(fields))
	for _, field := range fields {
		m[field.Key] = field.Value
	}
	return m
}
