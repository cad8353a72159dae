package telemetry

import "testing"

func TestCategorizeGPUModel(t *testing.T) {
	cases := map[string]string{
		"NVIDIA A100-SXM4-80GB": "A100",
		"NVIDIA H100 80GB HBM3": "H100",
		"NVIDIA H200":           "H200",
		"NVIDIA B200":           "B200",
		"Tesla T4":              "OTHER",
		"":                      "OTHER",
	}
	for model, want := range cases {
		if got := CategorizeGPUModel(model); got != want {
			t.Errorf("CategorizeGPUModel(%q) = %q, want %q", model, got, want)
		}
	}
}

func TestGPUMetricsCategory(t *testing.T) {
	g := GPUMetrics{Name: "NVIDIA H100 PCIe"}
	if g.Category() != "H100" {
		t.Errorf("Category() = %q, want H100", g.Category())
	}
}
