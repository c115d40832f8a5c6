//go:build e2e

package e2e

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runReport struct {
	Status   string `json:"status"`
	Entities []struct {
		Entity    string   `json:"entity"`
		InsertedB []string `json:"inserted_b"`
		UpdatedB  []string `json:"updated_b"`
		InsertedA []string `json:"inserted_a"`
		UpdatedA  []string `json:"updated_a"`
		NoOp      int      `json:"noop"`
		Error     string   `json:"error"`
	} `json:"entities"`
}

func TestE2E_MySQLToPostgres(t *testing.T) {
	e := newEnv(t)

	e.a.MustExec(`INSERT INTO arcust (CUSTNO, NAME, UPDATED_ON) VALUES ('C1', 'Acme', ?)`, stamp(-time.Hour))
	e.b.MustExec(`INSERT INTO customers (customer_code, name, updated_at) VALUES ('C2', 'Bolt', $1)`, stamp(-time.Hour))

	t.Run("first run copies both ways", func(t *testing.T) {
		var rep runReport
		e.runJSON(t, &rep, "sync")

		require.Equal(t, "completed", rep.Status)
		require.Len(t, rep.Entities, 1)
		assert.Equal(t, []string{"C1"}, rep.Entities[0].InsertedB)
		assert.Equal(t, []string{"C2"}, rep.Entities[0].InsertedA)

		var name string
		require.NoError(t, e.b.Get(&name, `SELECT name FROM customers WHERE customer_code = 'C1'`))
		assert.Equal(t, "Acme", name)
		require.NoError(t, e.a.Get(&name, `SELECT NAME FROM arcust WHERE CUSTNO = 'C2'`))
		assert.Equal(t, "Bolt", name)
	})

	t.Run("full rerun is a no-op", func(t *testing.T) {
		var rep runReport
		e.runJSON(t, &rep, "sync", "--full")

		require.Len(t, rep.Entities, 1)
		assert.Equal(t, 2, rep.Entities[0].NoOp)
		assert.Empty(t, rep.Entities[0].InsertedA)
		assert.Empty(t, rep.Entities[0].InsertedB)
	})

	t.Run("newer edit on B is pulled", func(t *testing.T) {
		e.b.MustExec(`UPDATE customers SET name = 'Acme Ltd', updated_at = $1 WHERE customer_code = 'C1'`, stamp(0))

		var rep runReport
		e.runJSON(t, &rep, "sync")

		require.Len(t, rep.Entities, 1)
		assert.Equal(t, []string{"C1"}, rep.Entities[0].UpdatedA)

		var name string
		require.NoError(t, e.a.Get(&name, `SELECT NAME FROM arcust WHERE CUSTNO = 'C1'`))
		assert.Equal(t, "Acme Ltd", name)
	})

	t.Run("status reports the watermark", func(t *testing.T) {
		var st struct {
			Watermark string `json:"watermark"`
			Runs      []struct {
				Status string `json:"status"`
			} `json:"runs"`
		}
		e.runJSON(t, &st, "status")

		assert.NotEmpty(t, st.Watermark)
		require.Len(t, st.Runs, 3)
		assert.Equal(t, "completed", st.Runs[0].Status)
	})
}

func TestE2E_StrictExitsIncomplete(t *testing.T) {
	e := newEnv(t)
	e.b.MustExec(`DROP TABLE customers`)

	_, stderr, code := e.runCLI(t, "sync", "--strict")
	assert.Equal(t, 2, code, "stderr: %s", stderr)
	assert.Contains(t, stderr, "run finished with failed entities")
}
