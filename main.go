// Command certflow runs data-product certification pipelines.
package main

import "certflow/internal/cli"

func main() {
	cli.Execute()
}
