package nnet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
)

// Training configuration settings
type Config struct {
	DataSet       string
	Optimizer     string
	Eta           float64
	Lambda        float64
	NormalWeights bool
	Shuffle       bool
	TrainBatch    int
	TestBatch     int
	MaxEpoch      int
	MaxSamples    int
	LogEvery      int
	RandSeed      int64
	Threads       int
	DebugLevel    int
	Profile       bool
	Layers        []LayerConfig
}

// Load network config from json file
func LoadConfig(filePath string) (c Config, err error) {
	var f *os.File
	if f, err = os.Open(filePath); err != nil {
		return
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	if err = dec.Decode(&c); err != nil {
		err = fmt.Errorf("error decoding %s: %w", filePath, err)
	}
	return
}

// Append layers to the config struct
func (c Config) AddLayers(layers ...ConfigLayer) Config {
	for _, l := range layers {
		c.Layers = append(c.Layers, l.Marshal())
	}
	return c
}

// Save config to JSON file, the file is written to a temporary name and then renamed
func (c Config) Save(filePath string) error {
	tmpPath := filepath.Join(filepath.Dir(filePath), "."+filepath.Base(filePath))
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err = enc.Encode(c); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, filePath)
}

// Fields returns the names of the scalar config fields
func (c Config) Fields() []string {
	st := reflect.TypeOf(c)
	fld := make([]string, st.NumField()-1)
	for i := range fld {
		fld[i] = st.Field(i).Name
	}
	return fld
}

func (c Config) Get(key string) interface{} {
	s := reflect.ValueOf(c)
	return s.FieldByName(key).Interface()
}

func (c Config) configString() string {
	fields := c.Fields()
	str := []string{"== Config =="}
	for _, key := range fields {
		str = append(str, fmt.Sprintf("%-14s: %v", key, c.Get(key)))
	}
	return strings.Join(str, "\n")
}

func (c Config) String() string {
	s := c.configString()
	if c.Layers != nil {
		str := []string{"\n== Network =="}
		for i, layer := range c.Layers {
			str = append(str, fmt.Sprintf("%2d: %s", i, layer))
		}
		s += strings.Join(str, "\n")
	}
	return s
}

// SetString sets the named field by parsing the string value
func (c Config) SetString(key, val string) (Config, error) {
	s := reflect.ValueOf(&c).Elem()
	f := s.FieldByName(key)
	if !f.IsValid() || key == "Layers" {
		return c, fmt.Errorf("invalid config field: %q", key)
	}
	var err error
	switch f.Type().Kind() {
	case reflect.Int, reflect.Int64:
		var x int64
		if x, err = strconv.ParseInt(val, 10, 64); err == nil {
			f.SetInt(x)
		}
	case reflect.Float64:
		var x float64
		if x, err = strconv.ParseFloat(val, 64); err == nil {
			f.SetFloat(x)
		}
	case reflect.Bool:
		var x bool
		if x, err = strconv.ParseBool(val); err == nil {
			f.SetBool(x)
		}
	case reflect.String:
		f.SetString(val)
	default:
		return c, fmt.Errorf("invalid type for SetString: %v", f.Type().Kind())
	}
	return c, err
}

// Override applies a list of key=value settings
func (c Config) Override(settings []string) (Config, error) {
	for _, kv := range settings {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return c, fmt.Errorf("invalid setting %q: expecting key=value", kv)
		}
		var err error
		if c, err = c.SetString(strings.TrimSpace(key), strings.TrimSpace(val)); err != nil {
			return c, fmt.Errorf("setting %s: %w", key, err)
		}
	}
	return c, nil
}
