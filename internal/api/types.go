package api

import "github.com/samcharles93/tensortex/internal/export"

type TensorList struct {
	Object string         `json:"object"`
	Data   []TensorObject `json:"data"`
}

type TensorObject struct {
	Object    string             `json:"object"`
	Name      string             `json:"name"`
	Kind      string             `json:"kind"`
	Shape     []int              `json:"shape"`
	Quantized bool               `json:"quantized"`
	Files     []export.FileEntry `json:"files"`
	URLs      []string           `json:"urls"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func tensorObject(e export.Entry) TensorObject {
	obj := TensorObject{
		Object:    "tensor",
		Name:      e.Name,
		Kind:      e.Kind,
		Shape:     e.Shape,
		Quantized: e.Quantized,
		Files:     e.Files,
		URLs:      make([]string, 0, len(e.Files)),
	}
	for _, f := range e.Files {
		obj.URLs = append(obj.URLs, "/v1/files/"+f.Name)
	}
	return obj
}
