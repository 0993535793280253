package lifecycle

import "testing"

func TestValidateCapabilities(t *testing.T) {
	tests := []struct {
		name    string
		rec     Record
		wantErr bool
	}{
		{"issuer advances to worker", Record{TaskID: "T1", AgentType: TypeIssuer, Action: ActionAdvance, Target: TypeWorker}, false},
		{"issuer advances to designer", Record{TaskID: "T1", AgentType: TypeIssuer, Action: ActionAdvance, Target: TypeDesigner}, false},
		{"issuer may close", Record{TaskID: "T1", AgentType: TypeIssuer, Action: ActionClose}, false},
		{"issuer may block", Record{TaskID: "T1", AgentType: TypeIssuer, Action: ActionBlock}, false},
		{"issuer cannot advance to finisher", Record{TaskID: "T1", AgentType: TypeIssuer, Action: ActionAdvance, Target: TypeFinisher}, true},
		{"worker advances to finisher", Record{TaskID: "T1", AgentType: TypeWorker, Action: ActionAdvance, Target: TypeFinisher}, false},
		{"worker cannot close", Record{TaskID: "T1", AgentType: TypeWorker, Action: ActionClose}, true},
		{"designer advances to finisher", Record{TaskID: "T1", AgentType: TypeDesigner, Action: ActionAdvance, Target: TypeFinisher}, false},
		{"speedy escalates to issuer", Record{TaskID: "T1", AgentType: TypeSpeedy, Action: ActionAdvance, Target: TypeIssuer}, false},
		{"speedy hands to finisher", Record{TaskID: "T1", AgentType: TypeSpeedy, Action: ActionAdvance, Target: TypeFinisher}, false},
		{"speedy may close", Record{TaskID: "T1", AgentType: TypeSpeedy, Action: ActionClose}, false},
		{"finisher bounces to worker", Record{TaskID: "T1", AgentType: TypeFinisher, Action: ActionAdvance, Target: TypeWorker}, false},
		{"finisher reruns issuer", Record{TaskID: "T1", AgentType: TypeFinisher, Action: ActionAdvance, Target: TypeIssuer}, false},
		{"finisher cannot advance to finisher", Record{TaskID: "T1", AgentType: TypeFinisher, Action: ActionAdvance, Target: TypeFinisher}, true},
		{"merger records nothing", Record{TaskID: "T1", AgentType: TypeMerger, Action: ActionClose}, true},
		{"steering records nothing", Record{TaskID: "T1", AgentType: TypeSteering, Action: ActionBlock}, true},
		{"singularity records nothing", Record{TaskID: "T1", AgentType: TypeSingularity, Action: ActionClose}, true},
		{"advance requires target", Record{TaskID: "T1", AgentType: TypeIssuer, Action: ActionAdvance}, true},
		{"close takes no target", Record{TaskID: "T1", AgentType: TypeIssuer, Action: ActionClose, Target: TypeWorker}, true},
		{"task id required", Record{AgentType: TypeIssuer, Action: ActionClose}, true},
		{"unknown agent type", Record{TaskID: "T1", AgentType: "gremlin", Action: ActionClose}, true},
		{"unknown action", Record{TaskID: "T1", AgentType: TypeIssuer, Action: "defer"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.rec)
			if tt.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestWorkerClass(t *testing.T) {
	for _, typ := range []AgentType{TypeWorker, TypeDesigner, TypeSpeedy} {
		if !WorkerClass(typ) {
			t.Errorf("%s should be worker-class", typ)
		}
	}
	for _, typ := range []AgentType{TypeIssuer, TypeFinisher, TypeMerger, TypeSteering, TypeSingularity} {
		if WorkerClass(typ) {
			t.Errorf("%s should not be worker-class", typ)
		}
	}
}
