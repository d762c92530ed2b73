package handlers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/pliu/heartline/internal/personality"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersonalityFlow(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do("", "GET", "/personality/questions", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var bank personality.Bank
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&bank))
	assert.Len(t, bank, 4)

	rr = env.do(env.alice.ID, "GET", "/personality", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(env.alice.ID, "POST", "/personality", SubmitAnswersRequest{Answers: map[int]string{1: "a"}})
	assert.Equal(t, http.StatusBadRequest, rr.Code, "incomplete quiz")

	rr = env.do(env.alice.ID, "POST", "/personality", SubmitAnswersRequest{Answers: map[int]string{1: "a", 2: "b", 3: "c", 4: "zz"}})
	assert.Equal(t, http.StatusBadRequest, rr.Code, "unknown option")

	rr = env.do(env.alice.ID, "POST", "/personality", SubmitAnswersRequest{Answers: map[int]string{1: "a", 2: "b", 3: "c", 4: "a"}})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = env.do(env.alice.ID, "GET", "/personality", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp PersonalityResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, env.alice.ID, resp.Result.UserID)
	assert.Equal(t, 10, resp.Result.Extraversion)
	assert.Equal(t, 100, resp.Percent[personality.Extraversion])
	assert.Equal(t, 50, resp.Percent[personality.Sensing])
	assert.Equal(t, 100, resp.Percent[personality.Thinking])
	assert.Equal(t, 0, resp.Percent[personality.Judging])
}
