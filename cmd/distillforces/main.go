package main

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/distillforces/pkg/autodiff"
	"github.com/distillforces/pkg/distill"
	"github.com/distillforces/pkg/graph"
	"github.com/distillforces/pkg/model"
)

// Main entry point for the distillation trainer
func main() {
	fmt.Println("Force/Energy Distillation Trainer")
	fmt.Println("=================================")

	// Parse command line arguments
	mode := "default"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	switch mode {
	case "default":
		runDefaultExample()
	case "train":
		runTraining()
	case "help":
		printHelp()
	default:
		fmt.Printf("Unknown mode: %s\n", mode)
		printHelp()
	}
}

// randomBatch builds one synthetic batch with the given systems
func randomBatch(rng *rand.Rand, natoms []int, sidBase int64) (*graph.Batch, error) {
	total := 0
	for _, n := range natoms {
		total += n
	}
	posData, err := autodiff.NewNormalMatrix(total, 3, 0, 1)
	if err != nil {
		return nil, err
	}
	pos, err := autodiff.NewTensor(posData, nil)
	if err != nil {
		return nil, err
	}
	forces, err := autodiff.NewNormalMatrix(total, 3, 0, 0.5)
	if err != nil {
		return nil, err
	}

	batch := &graph.Batch{
		Pos:    pos,
		Forces: forces,
		Tags:   make([]int, total),
		Fixed:  make([]bool, total),
		NAtoms: natoms,
	}
	for i := 0; i < total; i++ {
		batch.Tags[i] = rng.Intn(3)
	}
	for s := range natoms {
		batch.Energy = append(batch.Energy, rng.NormFloat64())
		batch.SID = append(batch.SID, sidBase+int64(s))
		batch.FID = append(batch.FID, int64(s))
	}
	return batch, nil
}

func buildLoader(rng *rand.Rand, batches int, sidBase int64) (graph.Loader, error) {
	var data [][]*graph.Batch
	for i := 0; i < batches; i++ {
		batch, err := randomBatch(rng, []int{3, 5}, sidBase+int64(i*10))
		if err != nil {
			return nil, err
		}
		data = append(data, []*graph.Batch{batch})
	}
	return graph.NewSliceLoader(data, 42)
}

// runDefaultExample demonstrates the distillation setup on synthetic data
func runDefaultExample() {
	fmt.Println("\nRunning Default Example:")
	fmt.Println("------------------------")

	config := distill.NewDefaultConfig()
	config.Optim.MaxEpochs = 2
	config.Optim.PrintEvery = 2
	config.Distillation.DistillLoss = []string{"node2node", "vec2vec_geometric"}
	config.Distillation.DistillLambda = []float64{1.0, 0.5}
	fmt.Println("Configuration initialized with:")
	fmt.Printf("- Distillation losses: %v\n", config.Distillation.DistillLoss)
	fmt.Printf("- Learning rate: %g\n", config.Optim.LearningRate)
	fmt.Printf("- Max epochs: %d\n", config.Optim.MaxEpochs)

	studentConfig := model.NewDefaultReferenceConfig()
	studentConfig.HiddenDim = 16
	student, err := model.NewReferenceNetwork(studentConfig)
	if err != nil {
		fmt.Printf("Failed to create student: %v\n", err)
		os.Exit(1)
	}
	teacherConfig := model.NewDefaultReferenceConfig()
	teacherConfig.HiddenDim = 16
	teacherConfig.Frozen = true
	teacher, err := model.NewReferenceNetwork(teacherConfig)
	if err != nil {
		fmt.Printf("Failed to create teacher: %v\n", err)
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(7))
	trainLoader, err := buildLoader(rng, 4, 1000)
	if err != nil {
		fmt.Printf("Failed to build loader: %v\n", err)
		os.Exit(1)
	}
	valLoader, err := buildLoader(rng, 2, 2000)
	if err != nil {
		fmt.Printf("Failed to build loader: %v\n", err)
		os.Exit(1)
	}

	trainer, err := distill.NewTrainer(config, student, teacher,
		distill.Loaders{Train: trainLoader, Val: valLoader}, nil)
	if err != nil {
		fmt.Printf("Failed to create trainer: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nTraining student against frozen teacher...")
	if err := trainer.Train(); err != nil {
		fmt.Printf("Training failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nDistillation example completed!")
}

// runTraining runs a full training from a JSON configuration file
func runTraining() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: distillforces train <config.json>")
		os.Exit(1)
	}
	config, err := distill.LoadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	studentConfig := model.NewDefaultReferenceConfig()
	student, err := model.NewReferenceNetwork(studentConfig)
	if err != nil {
		fmt.Printf("Failed to create student: %v\n", err)
		os.Exit(1)
	}
	teacherConfig := model.NewDefaultReferenceConfig()
	teacherConfig.Frozen = true
	teacher, err := model.NewReferenceNetwork(teacherConfig)
	if err != nil {
		fmt.Printf("Failed to create teacher: %v\n", err)
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(1))
	trainLoader, err := buildLoader(rng, 8, 1000)
	if err != nil {
		fmt.Printf("Failed to build loader: %v\n", err)
		os.Exit(1)
	}
	valLoader, err := buildLoader(rng, 2, 5000001)
	if err != nil {
		fmt.Printf("Failed to build loader: %v\n", err)
		os.Exit(1)
	}

	trainer, err := distill.NewTrainer(config, student, teacher,
		distill.Loaders{Train: trainLoader, Val: valLoader}, nil)
	if err != nil {
		fmt.Printf("Failed to create trainer: %v\n", err)
		os.Exit(1)
	}
	if err := trainer.Train(); err != nil {
		fmt.Printf("Training failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Training completed!")
}

// printHelp displays usage information
func printHelp() {
	fmt.Println("\nUsage: distillforces [mode]")
	fmt.Println("\nModes:")
	fmt.Println("  default  - Run a small distillation example on synthetic data")
	fmt.Println("  train    - Train from a JSON configuration: distillforces train <config.json>")
	fmt.Println("  help     - Show this help message")
}
