package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/drgolem/audiorouter/pkg/generator"
	"github.com/drgolem/audiorouter/pkg/ringbuffer"
)

func main() {
	// 1024 slots, one stays empty to tell full from empty
	rb := ringbuffer.New(1024)

	fmt.Println("Lock-free SPSC Float Ring Demo")
	fmt.Printf("Capacity: %d samples\n\n", rb.Capacity())

	gen, err := generator.New(generator.Sine, 440, 0.5, 1, 8000)
	if err != nil {
		panic(err)
	}

	const chunk, chunks = 64, 10

	var wg sync.WaitGroup
	wg.Add(2)

	// Producer: one block of sine per iteration
	go func() {
		defer wg.Done()
		block := make([]float32, chunk)
		for i := range chunks {
			gen.Fill(block)
			for rb.AvailableWrite() < len(block) {
				time.Sleep(time.Millisecond)
			}
			n := rb.Write(block)
			fmt.Printf("Producer: wrote %d samples (chunk %d), fill: %d\n", n, i, rb.FillLevel())
			time.Sleep(10 * time.Millisecond)
		}
		fmt.Println("Producer: finished")
	}()

	// Consumer: zero-copy reads at a slower pace
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)

		total := 0
		var peak float32
		for total < chunk*chunks {
			first, second := rb.ReadSlices()
			if len(first) == 0 {
				time.Sleep(time.Millisecond)
				continue
			}
			for _, part := range [][]float32{first, second} {
				for _, v := range part {
					peak = max(peak, v, -v)
				}
			}
			n := rb.Consume(len(first) + len(second))
			total += n
			fmt.Printf("Consumer: read %d samples, total: %d, fill: %d\n", n, total, rb.FillLevel())
			time.Sleep(15 * time.Millisecond)
		}
		fmt.Printf("Consumer: finished, peak %.3f\n", peak)
	}()

	wg.Wait()
	stats := rb.Stats()
	fmt.Printf("\nOverruns: %d, underruns: %d\n", stats.Overruns, stats.Underruns)
}
