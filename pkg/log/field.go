package log

import "time"

// Field is a single structured key/value pair attached to a log entry.
type Field struct {
	Key   string
	Value interface{}
}

// Str returns a string field.
func Str(key, value string) Field { return Field{Key: key, Value: value} }

// Int returns an int field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Int64 returns an int64 field.
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

// Float64 returns a float64 field.
func Float64(key string, value float64) Field { return Field{Key: key, Value: value} }

// Bool returns a bool field.
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Dur returns a duration field.
func Dur(key string, value time.Duration) Field { return Field{Key: key, Value: value.String()} }

// Err returns an error field under the key "error".
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Component returns the standard component tag field.
func Component(name string) Field { return Field{Key: "component", Value: name} }

// Any returns a field holding an arbitrary value.
func Any(key string, value interface{}) Field { return Field{Key: key, Value: value} }
