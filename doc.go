// Package lakesched is a cooperative work scheduler. A fixed set of workers
// drives a fixed set of fibers; each fiber runs one work item at a time and
// can suspend itself with Job.Yield until a chain of items it submitted has
// finished, freeing its worker for other work meanwhile.
//
// Every fiber also owns a scoped bump arena carved out of one virtual
// reservation made up front. Job.Drift hands out memory from it,
// Job.EnterScope and Job.LeaveScope bracket lifetimes, and everything left
// is reclaimed when the item returns.
//
// A typical program hands its entry point to Run:
//
//	err := lakesched.Run(func(j *lakesched.Job, _ any) {
//		c, err := j.SubmitChain(
//			lakesched.Work{Name: "a", Proc: stepA},
//			lakesched.Work{Name: "b", Proc: stepB},
//		)
//		if err != nil {
//			panic(err)
//		}
//		j.Yield(c)
//	}, nil, lakesched.WithWorkers(4))
//
// Hosts that are not themselves work items use New, Start, Wait and Close.
package lakesched
