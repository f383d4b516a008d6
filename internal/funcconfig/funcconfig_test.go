package funcconfig

import "testing"

const sampleDoc = `
functions:
  - name: echo
    func_id: 1
  - name: grpc:greeter
    func_id: 2
    grpc_methods:
      SayHello: 1
      SayGoodbye: 2
`

func TestParseAndLookup(t *testing.T) {
	cfg, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	e, ok := cfg.FindByFuncName("echo")
	if !ok || e.FuncID != 1 {
		t.Fatalf("FindByFuncName(echo) = %+v, %v", e, ok)
	}

	e, ok = cfg.FindByFuncID(2)
	if !ok || e.Name != "grpc:greeter" {
		t.Fatalf("FindByFuncID(2) = %+v, %v", e, ok)
	}
	if e.GRPCMethods["SayHello"] != 1 {
		t.Fatalf("grpc method id = %d, want 1", e.GRPCMethods["SayHello"])
	}

	if _, ok := cfg.FindByFuncName("nope"); ok {
		t.Fatal("expected lookup miss")
	}
}

func TestParseRejectsDuplicateFuncID(t *testing.T) {
	doc := `
functions:
  - name: a
    func_id: 1
  - name: b
    func_id: 1
`
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("expected error for duplicate func_id")
	}
}

func TestRawPreservesDocument(t *testing.T) {
	cfg, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatal(err)
	}
	if string(cfg.Raw()) != sampleDoc {
		t.Fatal("Raw() does not match input document")
	}
}
