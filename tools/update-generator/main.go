package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/inferloop/fldp/internal/storage/implementations/file"
	"github.com/inferloop/fldp/internal/utils/encoding"
	"github.com/inferloop/fldp/pkg/models"
)

type Config struct {
	NumClients int          `json:"num_clients"`
	Round      int          `json:"round"`
	StepCount  int          `json:"step_count"`
	DataKind   string       `json:"data_kind"`
	OutputDir  string       `json:"output_dir"`
	Compress   bool         `json:"compress"`
	Seed       uint64       `json:"seed"`
	Layers     []LayerShape `json:"layers"`
	Scalars    []string     `json:"scalars"`
	Weights    WeightConfig `json:"weights"`
}

type LayerShape struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

type WeightConfig struct {
	Distribution string  `json:"distribution"` // normal, uniform
	Mean         float64 `json:"mean"`
	StdDev       float64 `json:"std_dev"`
	Spread       float64 `json:"spread"`
}

type Generator struct {
	config *Config
	logger *logrus.Logger
	rng    *rand.Rand
}

func main() {
	var (
		configFile = flag.String("config", "", "Configuration file path")
		clients    = flag.Int("clients", 10, "Number of client updates to generate")
		round      = flag.Int("round", 1, "Federated round recorded in each update")
		output     = flag.String("output", "./data", "Store base path; updates are written to its incoming/ folder")
		compress   = flag.Bool("compress", false, "Write gzip-compressed envelopes")
		seed       = flag.Uint64("seed", 0, "Random seed (0 uses the current time)")
		verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	var config *Config
	if *configFile != "" {
		var err error
		config, err = loadConfig(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	} else {
		config = getDefaultConfig()
		config.NumClients = *clients
		config.Round = *round
		config.OutputDir = *output
		config.Compress = *compress
		config.Seed = *seed
	}

	generator := NewGenerator(config, logger)

	logger.WithFields(logrus.Fields{
		"num_clients": config.NumClients,
		"round":       config.Round,
		"layers":      len(config.Layers),
		"output_dir":  config.OutputDir,
	}).Info("Starting update generation")

	envelopes := generator.Generate()

	written, err := generator.Write(envelopes)
	if err != nil {
		log.Fatalf("Failed to write updates: %v", err)
	}

	logger.WithFields(logrus.Fields{
		"updates_written": len(written),
		"output_dir":      filepath.Join(config.OutputDir, file.FolderIncoming),
	}).Info("Update generation completed")
}

func NewGenerator(config *Config, logger *logrus.Logger) *Generator {
	seed := config.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Generator{
		config: config,
		logger: logger,
		rng:    rand.New(rand.NewPCG(seed, seed>>1)),
	}
}

// Generate builds one envelope per simulated client.
func (g *Generator) Generate() []*models.UpdateEnvelope {
	now := time.Now().UTC()
	envelopes := make([]*models.UpdateEnvelope, g.config.NumClients)

	for i := range envelopes {
		clientID := fmt.Sprintf("client_%03d", i)
		envelopes[i] = &models.UpdateEnvelope{
			ID:        fmt.Sprintf("round%d_%s", g.config.Round, clientID),
			ClientID:  clientID,
			Round:     g.config.Round,
			StepCount: g.config.StepCount,
			DataKind:  models.DataKind(g.config.DataKind),
			Params:    g.generateParams(i),
			Meta: map[string]interface{}{
				"generator":    "update-generator",
				"client_index": i,
			},
			CreatedAt: now,
		}
	}

	return envelopes
}

func (g *Generator) generateParams(clientIndex int) models.ParameterUpdate {
	params := make(models.ParameterUpdate, len(g.config.Layers)+len(g.config.Scalars))

	for _, layer := range g.config.Layers {
		tensor := models.NewTensor(layer.Shape, nil)
		tensor.Data = make([]float64, tensor.Size())
		for j := range tensor.Data {
			tensor.Data[j] = g.generateWeight()
		}
		params[layer.Name] = tensor
	}

	// scalars mimic bookkeeping entries such as batch counters
	for _, name := range g.config.Scalars {
		params[name] = models.NewScalar(float64(clientIndex + 1 + g.rng.IntN(100)))
	}

	return params
}

func (g *Generator) generateWeight() float64 {
	w := g.config.Weights
	switch w.Distribution {
	case "uniform":
		return distuv.Uniform{Min: w.Mean - w.Spread, Max: w.Mean + w.Spread, Src: g.rng}.Rand()
	default:
		return distuv.Normal{Mu: w.Mean, Sigma: w.StdDev, Src: g.rng}.Rand()
	}
}

// Write stores envelopes under OutputDir/incoming and returns the file names.
func (g *Generator) Write(envelopes []*models.UpdateEnvelope) ([]string, error) {
	dir := filepath.Join(g.config.OutputDir, file.FolderIncoming)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	names := make([]string, 0, len(envelopes))
	for _, env := range envelopes {
		data, err := encoding.EncodeEnvelope(env, g.config.Compress)
		if err != nil {
			return names, fmt.Errorf("failed to encode update %s: %w", env.ID, err)
		}

		name := env.ID + encoding.Extension(g.config.Compress)
		if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
			return names, fmt.Errorf("failed to write update %s: %w", env.ID, err)
		}
		g.logger.WithField("update_id", env.ID).Debug("Wrote update")
		names = append(names, name)
	}

	return names, nil
}

func loadConfig(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	config := getDefaultConfig()
	if err := json.NewDecoder(f).Decode(config); err != nil {
		return nil, err
	}

	return config, nil
}

func getDefaultConfig() *Config {
	return &Config{
		NumClients: 10,
		Round:      1,
		StepCount:  1,
		DataKind:   string(models.DataKindWeightDiff),
		OutputDir:  "./data",
		Layers: []LayerShape{
			{Name: "conv1.weight", Shape: []int{8, 1, 3, 3}},
			{Name: "conv1.bias", Shape: []int{8}},
			{Name: "fc.weight", Shape: []int{10, 32}},
			{Name: "fc.bias", Shape: []int{10}},
		},
		Scalars: []string{"bn.num_batches_tracked"},
		Weights: WeightConfig{
			Distribution: "normal",
			Mean:         0.0,
			StdDev:       0.05,
			Spread:       0.1,
		},
	}
}
