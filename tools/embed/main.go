// Command embed turns the data files of the working directory into Go
// string constants, one constant per file. The rules package uses it to
// carry its meta-schema without a runtime file dependency:
//
//	//go:generate go run github.com/relabs-tech/limen/tools/embed -type json -package rules
package main

import (
	"flag"
	"io"
	"os"
	"strings"
)

var fileType = flag.String("type", "json", "the type of files")
var packageName = flag.String("package", "main", "the package clause of the generated file")

func main() {
	flag.Parse()

	suffix := "." + *fileType
	goSuffix := strings.ToUpper(*fileType)
	entries, err := os.ReadDir(".")
	if err != nil {
		panic(err)
	}
	out, err := os.Create("generated_embedded_" + *fileType + ".go")
	if err != nil {
		panic(err)
	}
	defer out.Close()

	out.Write([]byte("// Code generated by tools/embed; DO NOT EDIT.\n\n"))
	out.Write([]byte("package " + *packageName + "\n"))
	out.Write([]byte("\nconst (\n"))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}
		f, err := os.Open(entry.Name())
		if err != nil {
			panic(err)
		}
		out.Write([]byte("\t" + strings.TrimSuffix(entry.Name(), suffix) + goSuffix + " = `"))
		io.Copy(out, f)
		f.Close()
		out.Write([]byte("`\n"))
	}
	out.Write([]byte(")\n"))
}
