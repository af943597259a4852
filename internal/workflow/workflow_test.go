package workflow

import (
	"os"
	"path/filepath"
	"testing"
)

const uiExport = `{
  "nodes": [
    {
      "id": 4,
      "type": "CheckpointLoaderSimple",
      "properties": {"cnr_id": "comfy-core"},
      "widgets_values": ["SDXL/sd_xl_base_1.0.safetensors"]
    },
    {
      "id": 12,
      "type": "UltralyticsDetectorProvider",
      "properties": {"cnr_id": "comfyui-impact-pack"},
      "widgets_values": ["bbox/face_yolov8m.pt"]
    },
    {
      "id": 13,
      "type": "FaceDetailer",
      "properties": {"cnr_id": "comfyui-impact-pack"},
      "widgets_values": [512, true, "hello"]
    },
    {
      "id": 20,
      "type": "MysteryNode",
      "properties": {},
      "widgets_values": []
    }
  ],
  "links": [],
  "version": 0.4
}`

const apiExport = `{
  "3": {
    "class_type": "KSampler",
    "inputs": {"seed": 5, "model": ["4", 0]}
  },
  "4": {
    "class_type": "CheckpointLoaderSimple",
    "inputs": {"ckpt_name": "sd_xl_base_1.0.safetensors"}
  },
  "extra": {"not": "a node"}
}`

func TestParseUIExport(t *testing.T) {
	g, err := Parse("portrait", []byte(uiExport))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(g.Nodes) != 4 {
		t.Fatalf("parsed %d nodes, want 4", len(g.Nodes))
	}

	models := g.ModelFiles()
	if len(models) != 2 || models[0] != "face_yolov8m.pt" || models[1] != "sd_xl_base_1.0.safetensors" {
		t.Errorf("ModelFiles = %v", models)
	}

	packs := g.NodePacks()
	if len(packs) != 1 || packs[0] != "comfyui-impact-pack" {
		t.Errorf("NodePacks = %v, want [comfyui-impact-pack]", packs)
	}

	unknown := g.UnknownClasses()
	if len(unknown) != 1 || unknown[0] != "MysteryNode" {
		t.Errorf("UnknownClasses = %v, want [MysteryNode]", unknown)
	}
}

func TestParseAPIExport(t *testing.T) {
	g, err := Parse("api", []byte(apiExport))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(g.Nodes) != 2 {
		t.Fatalf("parsed %d nodes, want 2", len(g.Nodes))
	}

	models := g.ModelFiles()
	if len(models) != 1 || models[0] != "sd_xl_base_1.0.safetensors" {
		t.Errorf("ModelFiles = %v", models)
	}
	if len(g.NodePacks()) != 0 {
		t.Error("API export carries no pack ids")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse("bad", []byte("not json")); err == nil {
		t.Error("Parse should fail on invalid JSON")
	}
	if _, err := Parse("empty", []byte(`{"extra": {}}`)); err == nil {
		t.Error("Parse should fail when no nodes are found")
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portrait.json")
	if err := os.WriteFile(path, []byte(uiExport), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	g, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile failed: %v", err)
	}
	if g.Name != "portrait" {
		t.Errorf("Name = %q, want portrait", g.Name)
	}

	if _, err := ParseFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("ParseFile should fail on a missing file")
	}
}
