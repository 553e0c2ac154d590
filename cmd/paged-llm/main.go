package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"paged-llm-go/onnxexec"
	"paged-llm-go/pagedllm"
	"paged-llm-go/tokenizer"
)

func main() {
	modelPath := flag.String("model", "", "path to an ONNX model file (empty runs the mock executor)")
	modelDir := flag.String("tokenizer", "", "model directory with tokenizer.json and config.json")
	blockSize := flag.Int("block-size", 256, "tokens per cache block")
	numBlocks := flag.Int("num-blocks", 1024, "cache blocks in the pool")
	maxTokens := flag.Int("max-tokens", 50, "completion tokens per prompt")
	temperature := flag.Float64("temperature", 0.8, "sampling temperature, 0 for greedy")
	flag.Parse()

	fmt.Println("Paged-LLM-Go - Continuous Batching Demo")
	fmt.Println("=======================================")
	fmt.Println()

	cfg, err := pagedllm.NewConfig(
		pagedllm.WithBlockSize(*blockSize),
		pagedllm.WithNumBlocks(*numBlocks),
		pagedllm.WithMaxNumSeqs(64),
		pagedllm.WithMaxNumBatchedTokens(4096),
	)
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	var llm *pagedllm.LLM
	if *modelPath != "" {
		if *modelDir == "" {
			log.Fatal("-tokenizer is required with -model")
		}
		tok, err := tokenizer.NewHF(*modelDir)
		if err != nil {
			log.Fatalf("Tokenizer load failed: %v", err)
		}
		defer tok.Close()

		exec, err := onnxexec.New(*modelPath, onnxexec.WithVocabSize(tok.VocabSize()))
		if err != nil {
			log.Fatalf("Executor init failed: %v", err)
		}
		llm = pagedllm.NewLLMWithComponents(cfg, exec, tok, nil)
	} else {
		fmt.Println("No model given, running the mock executor.")
		llm = pagedllm.NewLLM(cfg)
	}
	defer llm.Close()

	fmt.Printf("Pool: %d blocks x %d tokens = %d token capacity\n",
		cfg.NumBlocks, cfg.BlockSize, cfg.PoolCapacityTokens())

	samplingParams := pagedllm.NewSamplingParams(
		pagedllm.WithTemperature(*temperature),
		pagedllm.WithMaxTokens(*maxTokens),
	)

	prompts := flag.Args()
	if len(prompts) == 0 {
		prompts = []string{
			"hello world",
			"how are you",
			"this is a test",
		}
	}

	fmt.Println("\nGenerating responses...")
	texts, err := llm.GenerateText(context.Background(), prompts, samplingParams, true)
	if err != nil {
		log.Fatalf("Generation failed: %v", err)
	}

	fmt.Println("\nResults:")
	fmt.Println("========")
	for i, text := range texts {
		fmt.Printf("\nPrompt %d: %s\n", i+1, prompts[i])
		fmt.Printf("Output: %s\n", text)
	}
}
