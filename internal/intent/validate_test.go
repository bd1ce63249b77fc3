package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

func sub(id string, deps ...string) schemas.SubIntent {
	return schemas.SubIntent{ID: id, Type: schemas.IntentInteraction, Dependencies: deps}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		subs    []schemas.SubIntent
		wantErr bool
	}{
		{"empty tree", nil, false},
		{"chain", []schemas.SubIntent{sub("a"), sub("b", "a"), sub("c", "b")}, false},
		{"missing id", []schemas.SubIntent{sub("")}, true},
		{"duplicate id", []schemas.SubIntent{sub("a"), sub("a")}, true},
		{"dangling dependency", []schemas.SubIntent{sub("a", "ghost")}, true},
		{"self dependency", []schemas.SubIntent{sub("a", "a")}, true},
		{"two cycle", []schemas.SubIntent{sub("a", "b"), sub("b", "a")}, true},
		{"cycle behind a root", []schemas.SubIntent{sub("root"), sub("x", "root", "z"), sub("y", "x"), sub("z", "y")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&schemas.Intent{SubIntents: tt.subs})
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, schemas.ErrConfiguration)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestTopoOrder(t *testing.T) {
	order, err := TopoOrder([]schemas.SubIntent{sub("c", "b"), sub("a"), sub("b", "a"), sub("d")})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "d", "c"}, order)
}

func TestTopoOrder_CycleNamesMembers(t *testing.T) {
	_, err := TopoOrder([]schemas.SubIntent{sub("ok"), sub("a", "b"), sub("b", "a")})
	require.ErrorIs(t, err, schemas.ErrConfiguration)
	assert.Contains(t, err.Error(), "a, b")
	assert.NotContains(t, err.Error(), "ok")
}
