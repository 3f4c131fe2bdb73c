package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/bodrovis/kubex/apierr"
)

type ClassifyCmd struct {
	Status int    `short:"s" required:"" help:"HTTP status code the server returned"`
	File   string `short:"f" type:"existingfile" help:"File holding the response body (default: stdin)"`
	JSON   bool   `help:"Print the result as JSON"`
}

type classification struct {
	Kind      string                `json:"kind"`
	Directive string                `json:"directive"`
	Error     string                `json:"error"`
	Response  *apierr.ErrorResponse `json:"response,omitempty"`
}

func (c *ClassifyCmd) Run() error {
	return c.run(os.Stdin, os.Stdout)
}

func (c *ClassifyCmd) run(stdin io.Reader, stdout io.Writer) error {
	in := stdin
	if c.File != "" {
		f, err := os.Open(c.File)
		if err != nil {
			return apierr.ConfigLoad("open "+c.File, err)
		}
		defer f.Close()
		in = f
	}

	body, err := io.ReadAll(in)
	if err != nil {
		return apierr.Transport(fmt.Errorf("read body: %w", err))
	}

	e := apierr.Parse(body, c.Status)
	out := classification{
		Kind:      e.Kind.String(),
		Directive: apierr.Classify(e).String(),
		Error:     e.Error(),
		Response:  e.Response,
	}

	if c.JSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return apierr.Serialization(err)
		}
		return nil
	}
	_, err = fmt.Fprintf(stdout, "kind:      %s\ndirective: %s\nerror:     %s\n", out.Kind, out.Directive, out.Error)
	return err
}
